package material

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/wuchao05/changdu-material/internal/config"
)

// FileConfig is the operator-editable scheduler configuration, persisted as
// a local JSON file and re-read at scheduler start.
type FileConfig struct {
	FetchIntervalMinutes int    `json:"fetchIntervalMinutes"`
	LocalRootDir         string `json:"localRootDir"`
}

// FetchInterval converts the configured minutes to a duration, falling back
// to the default when unset.
func (c FileConfig) FetchInterval() time.Duration {
	if c.FetchIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.FetchIntervalMinutes) * time.Minute
}

// DefaultConfigPath resolves the config file location. Override with
// MATERIAL_CONFIG_PATH; otherwise it sits next to the local database.
func DefaultConfigPath() (string, error) {
	if custom := config.String("MATERIAL_CONFIG_PATH", ""); custom != "" {
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "locate user home failed")
	}
	return filepath.Join(home, ".changdu-material", "config.json"), nil
}

// LoadFileConfig reads the JSON config at path. A missing file is not an
// error; it returns zero values so defaults apply.
func LoadFileConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// SaveFileConfig writes the config back as indented JSON, creating the
// parent directory when needed.
func SaveFileConfig(path string, cfg FileConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create config dir for %s", path)
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.Wrapf(err, "write config %s", path)
	}
	return nil
}

// Package env loads the project dotenv once per process. Resolution order:
// an explicit MATERIAL_ENV_FILE path wins; otherwise the first .env found
// walking up from the working directory is used. Under `go test` nothing is
// loaded unless MATERIAL_TEST_DOTENV=1, so unit tests never pick up a
// developer's local Feishu or objstore credentials.
package env

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads the dotenv file once. Subsequent calls are no-ops.
func Ensure() error {
	if runningUnderGoTest() && os.Getenv("MATERIAL_TEST_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(load)
	return loadErr
}

// LoadedPath returns the resolved dotenv path if one was loaded, otherwise "".
func LoadedPath() string {
	return loadedPath
}

func load() {
	path := strings.TrimSpace(os.Getenv("MATERIAL_ENV_FILE"))
	if path == "" {
		found, err := discover()
		if err != nil {
			loadErr = err
			log.Debug().Err(err).Msg("material: search .env failed")
			return
		}
		path = found
	}
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil {
		loadErr = err
		log.Warn().Err(err).Str("dotenv", path).Msg("material: load .env failed")
		return
	}
	loadedPath = path
	log.Debug().Str("dotenv", path).Msg("material: loaded .env")
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

// discover walks from the working directory up to the filesystem root and
// returns the first .env it finds, or "" when there is none.
func discover() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, ".env")
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

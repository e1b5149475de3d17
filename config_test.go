package material

import (
	"path/filepath"
	"testing"
	"time"
)

func TestFileConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := FileConfig{FetchIntervalMinutes: 15, LocalRootDir: "/data/素材"}
	if err := SaveFileConfig(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != cfg {
		t.Fatalf("round trip mismatch: %+v != %+v", got, cfg)
	}
	if got.FetchInterval() != 15*time.Minute {
		t.Fatalf("unexpected interval %v", got.FetchInterval())
	}
}

func TestLoadFileConfigMissing(t *testing.T) {
	got, err := LoadFileConfig(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if got != (FileConfig{}) {
		t.Fatalf("expected zero config, got %+v", got)
	}
	if got.FetchInterval() != 5*time.Minute {
		t.Fatalf("expected default interval, got %v", got.FetchInterval())
	}
}

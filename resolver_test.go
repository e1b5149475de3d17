package material

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestExportDirName(t *testing.T) {
	cases := []struct {
		date string
		want string
	}{
		{"2023-11-14", "11.14导出"},
		{"2024-01-05", "1.5导出"},
		{"9.30", "9.30导出"},
	}
	for _, tc := range cases {
		if got := ExportDirName(tc.date); got != tc.want {
			t.Errorf("ExportDirName(%q) = %q, want %q", tc.date, got, tc.want)
		}
	}
}

func TestResolveMaterialFiles(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "11.14导出", "龙王归来")
	writeFile(t, filepath.Join(dir, "ep2.mp4"))
	writeFile(t, filepath.Join(dir, "ep1.mp4"))
	writeFile(t, filepath.Join(dir, "cover.jpg"))
	writeFile(t, filepath.Join(root, "11.14导出", "战神", "ep1.mp4"))
	writeFile(t, filepath.Join(root, "11.15导出", "龙王归来", "ep3.mp4"))

	files, err := ResolveMaterialFiles(root, "2023-11-14", "龙王归来")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d: %v", len(files), files)
	}
	// Sorted order.
	if filepath.Base(files[0]) != "ep1.mp4" || filepath.Base(files[1]) != "ep2.mp4" {
		t.Fatalf("unexpected order: %v", files)
	}
	for _, f := range files {
		if filepath.Base(filepath.Dir(f)) != "龙王归来" {
			t.Fatalf("file outside drama dir: %s", f)
		}
	}
}

func TestResolveMaterialFilesMissingDir(t *testing.T) {
	files, err := ResolveMaterialFiles(t.TempDir(), "2023-11-14", "龙王归来")
	if err != nil {
		t.Fatalf("missing export dir must not error: %v", err)
	}
	if files != nil {
		t.Fatalf("expected nil file list, got %v", files)
	}
}

func TestResolveMaterialFilesEmptyRoot(t *testing.T) {
	if _, err := ResolveMaterialFiles("", "2023-11-14", "x"); err == nil {
		t.Fatal("expected error for empty root dir")
	}
}

func TestMaterialDir(t *testing.T) {
	got := MaterialDir("/data", "2023-11-14", "龙王归来")
	want := filepath.Join("/data", "11.14导出", "龙王归来")
	if got != want {
		t.Fatalf("MaterialDir = %q, want %q", got, want)
	}
}

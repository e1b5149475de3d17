package material

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// exportDirSuffix is appended to the formatted date to form the per-day
// export directory, e.g. "11.14导出".
const exportDirSuffix = "导出"

var videoExtensions = map[string]struct{}{
	".mp4": {},
	".mov": {},
	".avi": {},
	".mkv": {},
	".flv": {},
	".ts":  {},
}

// ExportDirName converts a canonical "YYYY-MM-DD" date into the per-day
// export directory name, "M.D导出" without zero padding. A date that does
// not parse is used verbatim as the prefix.
func ExportDirName(date string) string {
	if t, err := time.Parse("2006-01-02", strings.TrimSpace(date)); err == nil {
		return fmt.Sprintf("%d.%d%s", int(t.Month()), t.Day(), exportDirSuffix)
	}
	return strings.TrimSpace(date) + exportDirSuffix
}

// MaterialDir returns the directory expected to hold one drama's exported
// material for one date: {root}/{M.D}导出/{drama}.
func MaterialDir(rootDir, date, drama string) string {
	return filepath.Join(rootDir, ExportDirName(date), drama)
}

// ResolveMaterialFiles locates the local video files for a drama on a date.
// It walks the per-day export directory, keeps recognized video extensions,
// and keeps only files whose immediate parent directory is named after the
// drama. A missing export directory is the normal "not yet exported" case
// and yields an empty list with no error; only genuine I/O failures error.
func ResolveMaterialFiles(rootDir, date, drama string) ([]string, error) {
	if strings.TrimSpace(rootDir) == "" {
		return nil, errors.New("material root directory cannot be empty")
	}
	dateDir := filepath.Join(rootDir, ExportDirName(date))
	if _, err := os.Stat(dateDir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "stat export dir %s", dateDir)
	}

	var files []string
	err := filepath.WalkDir(dateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if _, ok := videoExtensions[ext]; !ok {
			return nil
		}
		if filepath.Base(filepath.Dir(path)) != drama {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk export dir %s", dateDir)
	}
	sort.Strings(files)
	return files, nil
}

package interpreter

import (
	"os"
	"regexp"
)

// FileSystem answers the one question the adapter asks of the disk.
type FileSystem interface {
	FileExists(path string) bool
}

// OSFileSystem checks the real filesystem.
type OSFileSystem struct{}

// FileExists reports whether path names an existing regular file (after
// following symlinks).
func (OSFileSystem) FileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// NotInstalledDetector decides from stderr whether `python -m module` failed
// because the module could not be imported.
type NotInstalledDetector func(module, stderr string) bool

// OutputHasModuleNotInstalledError matches the ImportError text CPython
// prints for a missing module, quoted (3.x) or bare (2.x). The name must end
// at a quote, a semicolon, whitespace or the end of a line, so "pytest" does
// not match a missing "pytest_cov".
func OutputHasModuleNotInstalledError(module, stderr string) bool {
	re, err := regexp.Compile(`(?m)No module named '?` + regexp.QuoteMeta(module) + `(?:['";\s]|$)`)
	if err != nil {
		return false
	}
	return re.MatchString(stderr)
}

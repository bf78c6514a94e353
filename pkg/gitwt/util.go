package gitwt

import (
	"os"
	"path/filepath"
)

func isAbs(p string) bool { return filepath.IsAbs(p) }

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

package database

import (
	"fmt"
	"os"
	"path/filepath"
)

// findDir looks up database/<name> in the working directory, then its parent
// (when run from bin/).
func findDir(name string) (string, error) {
	cwd, _ := os.Getwd()
	candidates := []string{
		filepath.Join(cwd, "database", name),
		filepath.Join(cwd, "..", "database", name),
	}
	for _, d := range candidates {
		if st, err := os.Stat(d); err == nil && st.IsDir() {
			return filepath.Abs(d)
		}
	}
	return candidates[0], fmt.Errorf("%s dir not found (tried database/%s in cwd and parent)", name, name)
}

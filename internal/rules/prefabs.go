package rules

import (
	"embed"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

//go:embed prefabs/*.lua
var prefabFS embed.FS

// InstallPrefabs copies the starter policy scripts into dir. Files that
// already exist are skipped so user edits survive a reinstall. Returns the
// names of the scripts it wrote.
func InstallPrefabs(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(prefabFS, "prefabs")
	if err != nil {
		return nil, err
	}

	var installed []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		dst := filepath.Join(dir, e.Name())
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		data, err := prefabFS.ReadFile(path.Join("prefabs", e.Name()))
		if err != nil {
			return installed, err
		}
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return installed, err
		}
		installed = append(installed, e.Name())
	}
	return installed, nil
}

package chromemdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// manifest holds index facts chromem does not persist itself.
type manifest struct {
	Dimension int `yaml:"dimension"`
}

func manifestPath(dir, collection string) string {
	return filepath.Join(dir, collection+".manifest.yaml")
}

func readManifest(dir, collection string) (manifest, error) {
	var man manifest
	data, err := os.ReadFile(manifestPath(dir, collection))
	if errors.Is(err, os.ErrNotExist) {
		return man, nil
	}
	if err != nil {
		return man, fmt.Errorf("failed to read index manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &man); err != nil {
		return man, fmt.Errorf("failed to parse index manifest: %w", err)
	}
	return man, nil
}

func writeManifest(dir, collection string, man manifest) error {
	data, err := yaml.Marshal(man)
	if err != nil {
		return err
	}
	tmp := manifestPath(dir, collection) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write index manifest: %w", err)
	}
	return os.Rename(tmp, manifestPath(dir, collection))
}

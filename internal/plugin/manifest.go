package plugin

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest is optional per-plugin metadata read from
// <plugin_dir>/<name>.toml, letting a plugin author pin a description and
// a default invocation timeout without touching the proxy's own config
// file, the way the teacher's configimport package decodes an external
// tool's own TOML config independently of its main YAML config.
type Manifest struct {
	Description           string `toml:"description"`
	DefaultTimeoutSeconds int    `toml:"default_timeout_seconds"`
}

// LoadManifest reads <dir>/<name>.toml if present. A missing manifest is
// not an error: most plugins carry none and fall back to the chain's
// configured default timeout.
func LoadManifest(dir, name string) (*Manifest, error) {
	path := filepath.Join(dir, name+".toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("decode plugin manifest %s: %w", path, err)
	}
	return &m, nil
}

// Package setup handles gatekeeper directory initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/gatekeeper/internal/model"
	atomicyaml "github.com/msageha/gatekeeper/internal/yaml"
	"github.com/msageha/gatekeeper/templates"
)

// DirName is the conventional gatekeeper directory inside a project.
const DirName = ".gatekeeper"

// Dirs are created under the gatekeeper directory.
var Dirs = []string{
	"inbox",
	"completions",
	"outbox",
	"state",
	"logs",
	"locks",
	atomicyaml.QuarantineDir,
}

// Run lays out dir and writes config.yaml from the embedded template. An
// existing config.yaml is kept unless force is set.
func Run(dir string, force bool) error {
	for _, d := range Dirs {
		if err := os.MkdirAll(filepath.Join(dir, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil && !force {
		return nil
	}

	data, err := DefaultConfigYAML()
	if err != nil {
		return err
	}
	if err := atomicyaml.AtomicWriteRaw(configPath, data); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

// DefaultConfigYAML returns the embedded config template after checking that
// it parses into a model.Config.
func DefaultConfigYAML() ([]byte, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	return data, nil
}

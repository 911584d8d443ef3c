package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/setup"
	"github.com/msageha/gatekeeper/internal/uds"
)

// cli carries settings resolved from flags and the environment.
type cli struct {
	v *viper.Viper
}

func newCLI() *cli {
	v := viper.New()
	v.SetEnvPrefix("GATEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return &cli{v: v}
}

func newRootCommand() *cobra.Command {
	c := newCLI()

	root := &cobra.Command{
		Use:           "gatekeeper",
		Short:         "Admission control for concurrent agent work",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("dir", "", "gatekeeper directory (env GATEKEEPER_DIR, default: nearest .gatekeeper/)")
	root.PersistentFlags().String("log-level", "", "log level override: debug|info|warn|error (env GATEKEEPER_LOG_LEVEL)")
	_ = c.v.BindPFlag("dir", root.PersistentFlags().Lookup("dir"))
	_ = c.v.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(
		newInitCommand(c),
		newDaemonCommand(c),
		newSubmitCommand(c),
		newCompleteCommand(c),
		newFailCommand(c),
		newStatusCommand(c),
		newDrainCommand(c),
		newPlanCommand(c),
		newShutdownCommand(c),
		newVersionCommand(),
	)
	return root
}

// dir resolves the gatekeeper directory from --dir, GATEKEEPER_DIR, or the
// nearest .gatekeeper/ above the working directory.
func (c *cli) dir() (string, error) {
	if d := c.v.GetString("dir"); d != "" {
		return filepath.Abs(d)
	}
	if d := findDir(); d != "" {
		return d, nil
	}
	return "", errors.New(".gatekeeper/ directory not found; run 'gatekeeper init' first or pass --dir")
}

// config loads <dir>/config.yaml with defaults and the log level override.
func (c *cli) config(dir string) (model.Config, error) {
	cfg, err := loadConfig(dir)
	if err != nil {
		return model.Config{}, err
	}
	if lvl := c.v.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg.WithDefaults(), nil
}

func (c *cli) client() (*uds.Client, error) {
	dir, err := c.dir()
	if err != nil {
		return nil, err
	}
	return uds.NewClient(filepath.Join(dir, uds.DefaultSocketName)), nil
}

func findDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadConfig reads <dir>/config.yaml. A missing file yields the defaults.
func loadConfig(dir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return model.DefaultConfig(), nil
		}
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg.WithDefaults(), nil
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable consulted when no -config flag is given.
const EnvConfig = "QUADSPHERE_CONFIG"

// Origin tells which search location supplied the config file.
type Origin string

const (
	OriginDefaults Origin = "defaults" // no file found
	OriginFlag     Origin = "flag"
	OriginEnv      Origin = "env"
	OriginWorkDir  Origin = "workdir"
	OriginUserDir  Origin = "user"
)

// Source describes where a loaded configuration came from.
type Source struct {
	Origin Origin
	Path   string
}

func (s Source) String() string {
	if s.Path == "" {
		return string(s.Origin)
	}
	return fmt.Sprintf("%s (%s)", s.Path, s.Origin)
}

// Load loads configuration with priority: defaults < file < flags, and validates the
// sphere settings. The returned Source names the file that was read.
func Load() (*Config, Source, error) {
	cfg := Default()

	src, err := locate()
	if err != nil {
		return nil, src, err
	}
	if src.Path != "" {
		if err := loadFromFile(cfg, src.Path); err != nil {
			return nil, src, fmt.Errorf("loading config from %s: %w", src, err)
		}
	}

	applyFlags(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, src, fmt.Errorf("config from %s: %w", src, err)
	}
	return cfg, src, nil
}

// locate picks the config file. An explicit flag or environment path must exist; the
// working directory and user config directory are optional.
func locate() (Source, error) {
	for _, explicit := range []Source{
		{Origin: OriginFlag, Path: ConfigPath()},
		{Origin: OriginEnv, Path: os.Getenv(EnvConfig)},
	} {
		if explicit.Path == "" {
			continue
		}
		if _, err := os.Stat(explicit.Path); err != nil {
			return explicit, fmt.Errorf("config %s: %w", explicit, err)
		}
		return explicit, nil
	}

	for _, candidate := range []Source{
		{Origin: OriginWorkDir, Path: "config.yaml"},
		{Origin: OriginUserDir, Path: filepath.Join(ConfigDir(), "config.yaml")},
	} {
		if _, err := os.Stat(candidate.Path); err == nil {
			return candidate, nil
		}
	}
	return Source{Origin: OriginDefaults}, nil
}

// ConfigDir returns the OS-appropriate config directory.
func ConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "Quadsphere")
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "Quadsphere")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "quadsphere")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "quadsphere")
	}
}

// loadFromFile merges a YAML file over cfg. Unknown keys are rejected.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Package config loads vdiext defaults from a TOML file.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// EnvVar names the environment variable that overrides DefaultPath.
const EnvVar = "VDIEXT_CONFIG"

// Config holds defaults for command-line flags. Flags given on the command
// line take precedence over values loaded here.
type Config struct {
	// Image is the disk image used when no path is given as an argument.
	Image string `toml:"image"`
	// Partition is the boot-sector slot holding the ext2 volume.
	Partition int `toml:"partition"`
	// ReadOnly opens images without write access and with a shared lock.
	ReadOnly bool `toml:"read_only"`
	// LogLevel is a logrus level name.
	LogLevel string `toml:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{LogLevel: "warning", LogFormat: "text"}
}

// DefaultPath returns $VDIEXT_CONFIG if set, otherwise
// ~/.config/vdiext.toml. It returns "" if neither can be determined.
func DefaultPath() string {
	if p := os.Getenv(EnvVar); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "vdiext.toml")
}

// Load reads the config file at path over the built-in defaults. If
// mustExist is false a missing file yields the defaults.
func Load(path string, mustExist bool) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		if !mustExist && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return c, err
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return c, &UnknownKeyError{Path: path, Key: undec[0].String()}
	}
	return c, nil
}

// UnknownKeyError reports a key in the config file that Config does not have.
type UnknownKeyError struct {
	Path string
	Key  string
}

func (e *UnknownKeyError) Error() string {
	return e.Path + ": unknown key " + e.Key
}

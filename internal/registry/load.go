package registry

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// FileConfig is the top-level TOML structure of a registry file.
//
//	env = ["LOG_LEVEL=info"]
//	env_files = ["/etc/servo/secrets.env"]
//	use_os_env = true
//
//	[server]
//	listen = ":9090"
//
//	[[services]]
//	id = "api"
//	...
type FileConfig struct {
	Env      []string     `toml:"env" mapstructure:"env"`
	EnvFiles []string     `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool         `toml:"use_os_env" mapstructure:"use_os_env"`
	Server   ServerConfig `toml:"server" mapstructure:"server"`
	Store    StoreConfig  `toml:"store" mapstructure:"store"`
	History  HistConfig   `toml:"history" mapstructure:"history"`
	Services []Definition `toml:"services" mapstructure:"services"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	LogLevel string `toml:"log_level" mapstructure:"log_level"`
	LogFile  string `toml:"log_file" mapstructure:"log_file"`
}

type StoreConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

type HistConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Type    string `toml:"type" mapstructure:"type"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
	Table   string `toml:"table" mapstructure:"table"`
}

// LoadFile reads a registry TOML file and returns the validated registry
// plus the surrounding file configuration.
func LoadFile(path string) (*Registry, *FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	reg, err := New(fc.Services)
	if err != nil {
		return nil, nil, err
	}
	return reg, &fc, nil
}

// GlobalEnv merges file-level env sources in precedence order: OS env (when
// enabled) as base, then env_files contents, then the top-level env list.
func (fc *FileConfig) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if fc.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for _, kv := range pairs {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, kv := range fc.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		if k == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile supports "KEY=VALUE" lines; '#' starts a comment, blank lines
// are skipped, surrounding single/double quotes on values are stripped.
func loadEnvFile(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 - operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("open env file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if n := len(v); n >= 2 {
			if (v[0] == '\'' && v[n-1] == '\'') || (v[0] == '"' && v[n-1] == '"') {
				v = v[1 : n-1]
			}
		}
		out = append(out, k+"="+v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

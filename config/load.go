package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	toolerrors "github.com/agent-toolbox/toolbox/errors"
)

// Environment variables applied over any file.
const (
	EnvLogLevel         = "TOOLBOX_LOG_LEVEL"
	EnvLogFormat        = "TOOLBOX_LOG_FORMAT"
	EnvRetryMaxAttempts = "TOOLBOX_RETRY_MAX_ATTEMPTS"
	EnvRedisAddr        = "TOOLBOX_REDIS_ADDR"
	EnvNATSURL          = "TOOLBOX_NATS_URL"
)

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"toolbox.toml", "toolbox.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "toolbox", "toolbox.toml"),
			filepath.Join(home, ".config", "toolbox", "toolbox.yaml"),
		)
	}
	return paths
}

// Load reads path, or the first file found in StandardPaths when path is
// empty. With no file at all it returns Default. Environment overrides
// are applied in every case, and the result is validated.
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	for _, p := range StandardPaths() {
		if _, err := os.Stat(p); err == nil {
			return LoadFile(p)
		}
	}

	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads one file. The format follows its extension: .toml,
// .yaml or .yml, or .json.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, toolerrors.WrapWithCode(err, toolerrors.ErrCodeNotFound, "config file not found",
			toolerrors.WithMetadata("path", path))
	}
	if err != nil {
		return nil, toolerrors.Wrap(err, "read config", toolerrors.WithMetadata("path", path))
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, toolerrors.Wrap(err, "parse "+path)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext. Unknown keys are an
// error in every format.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, invalid("toml: %v", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			sort.Strings(keys)
			return nil, invalid("unknown keys: %s", strings.Join(keys, ", "))
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, invalid("yaml: %v", err)
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, invalid("json: %v", err)
		}
	default:
		return nil, invalid("unsupported config format %q", ext)
	}
	return cfg, nil
}

// applyEnv overrides file settings from the environment.
func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := os.LookupEnv(EnvLogFormat); ok && v != "" {
		c.Logging.Format = v
	}
	if v, ok := os.LookupEnv(EnvRedisAddr); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := os.LookupEnv(EnvNATSURL); ok && v != "" {
		c.Coordination.NATSURL = v
	}
	if v, ok := os.LookupEnv(EnvRetryMaxAttempts); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return invalid("%s: %q is not an integer", EnvRetryMaxAttempts, v)
		}
		if len(c.Retry) == 0 {
			c.Retry = Default().Retry
		}
		for name, r := range c.Retry {
			r.MaxAttempts = n
			c.Retry[name] = r
		}
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return toolerrors.InvalidInput(fmt.Sprintf(format, args...), toolerrors.WithCause(ErrInvalidConfig))
}

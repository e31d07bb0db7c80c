package projectconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

const (
	DefaultPath     = ".reprozip/config.yaml"
	DefaultTraceDir = ".reprozip-trace"

	EnvTraceDir = "REPROZIP_TRACE_DIR"
)

type Config struct {
	Trace TraceDefaults `yaml:"trace"`
	Pack  PackDefaults  `yaml:"pack"`
}

type TraceDefaults struct {
	Directory        string   `yaml:"directory"`
	IdentifyPackages *bool    `yaml:"identify_packages"`
	Ignore           []string `yaml:"ignore"`
	EventBuffer      int      `yaml:"event_buffer"`
}

type PackDefaults struct {
	CompressionLevel *int   `yaml:"compression_level"`
	SigningKey       string `yaml:"signing_key"` // #nosec G117 -- path to a key file, not the key itself.
	Workers          int    `yaml:"workers"`
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("project config path is required")
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read project config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Config{}, nil
	}

	var configuration Config
	if err := yaml.UnmarshalWithOptions(content, &configuration, yaml.DisallowUnknownField()); err != nil {
		return Config{}, fmt.Errorf("parse project config: %s", yaml.FormatError(err, false, true))
	}
	configuration.normalize()
	if err := configuration.validate(); err != nil {
		return Config{}, err
	}
	return configuration, nil
}

// TraceDir returns the trace directory to use, in order of precedence:
// explicit flag value, REPROZIP_TRACE_DIR, the project file, the default.
func (configuration Config) TraceDir(flagValue string) string {
	if value := strings.TrimSpace(flagValue); value != "" {
		return value
	}
	if value := strings.TrimSpace(os.Getenv(EnvTraceDir)); value != "" {
		return value
	}
	if configuration.Trace.Directory != "" {
		return configuration.Trace.Directory
	}
	return DefaultTraceDir
}

func (configuration Config) IdentifyPackages() bool {
	if configuration.Trace.IdentifyPackages == nil {
		return true
	}
	return *configuration.Trace.IdentifyPackages
}

// CompressionLevel returns the configured gzip level or -1 for the
// library default.
func (configuration Config) CompressionLevel() int {
	if configuration.Pack.CompressionLevel == nil {
		return -1
	}
	return *configuration.Pack.CompressionLevel
}

func (configuration *Config) normalize() {
	configuration.Trace.Directory = strings.TrimSpace(configuration.Trace.Directory)
	configuration.Pack.SigningKey = strings.TrimSpace(configuration.Pack.SigningKey)
	ignore := make([]string, 0, len(configuration.Trace.Ignore))
	for _, prefix := range configuration.Trace.Ignore {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		ignore = append(ignore, filepath.Clean(prefix))
	}
	configuration.Trace.Ignore = ignore
}

func (configuration Config) validate() error {
	for _, prefix := range configuration.Trace.Ignore {
		if !filepath.IsAbs(prefix) {
			return fmt.Errorf("trace.ignore entries must be absolute paths: %q", prefix)
		}
	}
	if configuration.Trace.EventBuffer < 0 {
		return fmt.Errorf("trace.event_buffer must be >= 0")
	}
	if configuration.Pack.Workers < 0 {
		return fmt.Errorf("pack.workers must be >= 0")
	}
	if level := configuration.Pack.CompressionLevel; level != nil && (*level < -3 || *level > 9) {
		return fmt.Errorf("pack.compression_level must be between -3 and 9, got %d", *level)
	}
	return nil
}

// Package config holds the build configuration: sizing, output, the ordered
// module list and the source of the initial root tree. Any YAML key the
// builder itself does not consume is passed through verbatim to modules.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Keys consumed by the builder. Everything else lands in Config.Options.
const (
	keySize     = "size"
	keyOutput   = "output"
	keyFSType   = "fs_type"
	keyModules  = "modules"
	keyDownload = "download"
	keyImage    = "image"
)

const DefaultFSType = "ext4"

// SourceSpec describes where the initial root filesystem tree comes from.
// Exactly one of From (tarball path or URL) and Image (OCI reference) is set.
type SourceSpec struct {
	From     string `yaml:"from"`
	CacheDir string `yaml:"cache_dir"`
	RootFile string `yaml:"root_file"`
	Image    string `yaml:"image"`
}

// Config is built once per invocation and treated as immutable afterwards.
// Modules receive a clone of Options, never the map itself.
type Config struct {
	SizeBytes int64
	Output    string
	FSType    string
	Modules   []string
	Source    SourceSpec

	// Options carries every configuration key the builder does not
	// interpret, forwarded verbatim to modules.
	Options map[string]any
}

// Load reads a YAML build configuration file.
// Flag values (size, output) may override file values; see Apply* helpers.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document into a Config.
func Parse(data []byte) (*Config, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{
		FSType:  DefaultFSType,
		Options: map[string]any{},
	}

	for key, value := range raw {
		switch key {
		case keySize:
			size, err := parseSizeValue(value)
			if err != nil {
				return nil, err
			}
			cfg.SizeBytes = size
		case keyOutput:
			cfg.Output, _ = value.(string)
		case keyFSType:
			if s, ok := value.(string); ok && s != "" {
				cfg.FSType = s
			}
		case keyModules:
			mods, err := parseModuleList(value)
			if err != nil {
				return nil, err
			}
			cfg.Modules = mods
		case keyDownload:
			if err := decodeSection(value, &cfg.Source); err != nil {
				return nil, fmt.Errorf("parse download section: %w", err)
			}
		case keyImage:
			cfg.Source.Image, _ = value.(string)
		default:
			cfg.Options[key] = value
		}
	}

	return cfg, nil
}

// CloneOptions returns a fresh copy of the pass-through options so a module
// cannot alter what later modules see at the top level.
func (c *Config) CloneOptions() map[string]any {
	clone := make(map[string]any, len(c.Options))
	for k, v := range c.Options {
		clone[k] = v
	}
	return clone
}

func (c *Config) Validate() error {
	if c.SizeBytes <= 0 {
		return fmt.Errorf("image size must be positive, got %d bytes", c.SizeBytes)
	}
	if c.Output == "" {
		return fmt.Errorf("output path is required")
	}
	if c.Source.From == "" && c.Source.Image == "" {
		return fmt.Errorf("a source is required: set download.from or image")
	}
	if c.Source.From != "" && c.Source.Image != "" {
		return fmt.Errorf("download.from and image are mutually exclusive")
	}
	return nil
}

func parseModuleList(value any) ([]string, error) {
	if value == nil {
		return nil, nil
	}
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("modules must be a list, got %T", value)
	}
	mods := make([]string, 0, len(list))
	for _, entry := range list {
		name, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("module name must be a string, got %T", entry)
		}
		mods = append(mods, name)
	}
	return mods, nil
}

func parseSizeValue(value any) (int64, error) {
	switch v := value.(type) {
	case string:
		return ParseSize(v)
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return 0, fmt.Errorf("size must be a string or integer, got %T", value)
	}
}

// decodeSection re-marshals a nested YAML value into a typed struct.
func decodeSection(value any, out any) error {
	data, err := yaml.Marshal(value)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

// ParseSize converts a human size string ("100M", "2G", "512") into bytes.
// Suffixes are powers of 1024, matching what qemu-img accepts.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	switch strings.ToUpper(s[len(s)-1:]) {
	case "K":
		multiplier = 1 << 10
	case "M":
		multiplier = 1 << 20
	case "G":
		multiplier = 1 << 30
	case "T":
		multiplier = 1 << 40
	}
	if multiplier != 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n * multiplier, nil
}

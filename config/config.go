// Package config loads the YAML file that assembles a backend chain:
// which layers to stack, in what order, and their tunables. Grounded on
// cmd/cie/config.go's yaml.v3-based load/default/override shape.
package config

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/xzl01/nbdkit/filters/partition"
	"github.com/xzl01/nbdkit/filters/retry"
)

var dumpJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the top-level chain assembly document.
type Config struct {
	// Chain lists layer names outer-to-inner; the last entry must name a
	// plugin (mem or http), everything before it a filter.
	Chain []string `yaml:"chain"`

	Retry     RetryConfig     `yaml:"retry,omitempty"`
	Partition PartitionConfig `yaml:"partition,omitempty"`
	Evil      EvilConfig      `yaml:"evil,omitempty"`
	Qcow2     Qcow2Config     `yaml:"qcow2,omitempty"`
	HTTP      HTTPConfig      `yaml:"http,omitempty"`
	Mem       MemConfig       `yaml:"mem,omitempty"`
}

type RetryConfig struct {
	Retries       int     `yaml:"retries"`
	DelaySeconds  float64 `yaml:"delay_seconds"`
	Exponential   bool    `yaml:"exponential"`
	ForceReadonly bool    `yaml:"force_readonly"`
}

type PartitionConfig struct {
	Partnum            int    `yaml:"partnum"`
	SectorSizeOverride uint32 `yaml:"sector_size_override,omitempty"`
}

type EvilConfig struct {
	Mode             string  `yaml:"mode"`
	Probability      float64 `yaml:"probability"`
	StuckProbability float64 `yaml:"stuck_probability"`
	Seed             uint32  `yaml:"seed,omitempty"`
}

type Qcow2Config struct {
	// qcow2 has no tunables of its own today; the section exists so a
	// chain document can name "qcow2" under layer-specific config without
	// the schema needing to change when it grows one.
}

type HTTPConfig struct {
	URL            string   `yaml:"url"`
	User           string   `yaml:"user,omitempty"`
	Password       string   `yaml:"password,omitempty"`
	Cookie         string   `yaml:"cookie,omitempty"`
	Headers        []string `yaml:"headers,omitempty"`
	UserAgent      string   `yaml:"useragent,omitempty"`
	FollowLocation bool     `yaml:"followlocation,omitempty"`
	Connections    int      `yaml:"connections,omitempty"`
}

type MemConfig struct {
	Byte byte   `yaml:"byte"`
	Size uint64 `yaml:"size"`
}

// DefaultConfig returns a single-plugin, filter-free chain: a 1 MiB
// fixed-byte memplugin source, the simplest document that validates.
func DefaultConfig() *Config {
	return &Config{
		Chain: []string{"mem"},
		Retry: RetryConfig{
			Retries:      retry.DefaultConfig().Retries,
			DelaySeconds: retry.DefaultConfig().Delay.Seconds(),
			Exponential:  retry.DefaultConfig().Exponential,
		},
		Partition: PartitionConfig{Partnum: 1},
		Evil:      EvilConfig{Mode: "stuck-bits", Probability: -1, StuckProbability: 1.0},
		Mem:       MemConfig{Byte: 0, Size: 1 << 20},
	}
}

// Load reads and validates path, applying environment overrides
// afterward so a deployment can tweak a single knob without editing the
// checked-in document.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parsing %s", path)
	}
	if len(cfg.Chain) == 0 {
		return nil, errors.New("config: chain must name at least one layer")
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("NBD_CHAIND_HTTP_URL"); url != "" {
		c.HTTP.URL = url
	}
	if pw := os.Getenv("NBD_CHAIND_HTTP_PASSWORD"); pw != "" {
		c.HTTP.Password = pw
	}
}

// PartitionLayerConfig adapts this document's PartitionConfig into
// filters/partition's own Config type.
func (c *Config) PartitionLayerConfig() partition.Config {
	return partition.Config{Partnum: c.Partition.Partnum, SectorSizeOverride: c.Partition.SectorSizeOverride}
}

// RetryLayerConfig adapts this document's RetryConfig into filters/
// retry's own Config type.
func (c *Config) RetryLayerConfig() retry.Config {
	return retry.Config{
		Retries:       c.Retry.Retries,
		Delay:         time.Duration(c.Retry.DelaySeconds * float64(time.Second)),
		Exponential:   c.Retry.Exponential,
		ForceReadonly: c.Retry.ForceReadonly,
	}
}

// Dump renders the resolved document as indented JSON, the introspection
// surface an operator's `-dump-config` flag prints before the chain is
// built, so a deployment can confirm env overrides and defaults landed
// where expected.
func (c *Config) Dump() (string, error) {
	b, err := dumpJSON.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "config: dumping")
	}
	return string(b), nil
}

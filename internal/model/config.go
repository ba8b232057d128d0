package model

import (
	"fmt"
	"io"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Runtime Runtime `json:"runtime" yaml:"runtime"`
	Pool    Pool    `json:"pool" yaml:"pool"`
	Service Service `json:"service" yaml:"service"`
}

// Runtime bounds a run. All values are durations, see ParseDuration.
type Runtime struct {
	MaxRuntime   string `json:"max_runtime" yaml:"max_runtime"`
	MinWait      string `json:"min_wait" yaml:"min_wait"`
	MaxWait      string `json:"max_wait" yaml:"max_wait"`
	PollInterval string `json:"poll_interval" yaml:"poll_interval"`
}

// Pool sizes the worker pool.
type Pool struct {
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

type Service struct {
	Verbose        bool   `json:"verbose" yaml:"verbose"`
	Log            string `json:"log" yaml:"log"`                             // "stderr"|"stdout"|"discard"|path
	MetricsAddr    string `json:"metrics_addr" yaml:"metrics_addr,omitempty"` // empty disables /metrics
	Shell          string `json:"shell" yaml:"shell"`
	CommandTimeout string `json:"command_timeout" yaml:"command_timeout"`
}

// Bounds are the parsed Runtime values.
type Bounds struct {
	MaxRuntime   time.Duration
	MinWait      time.Duration
	MaxWait      time.Duration
	PollInterval time.Duration
}

func (r Runtime) Bounds() (Bounds, error) {
	var b Bounds
	for _, f := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"runtime.max_runtime", r.MaxRuntime, &b.MaxRuntime},
		{"runtime.min_wait", r.MinWait, &b.MinWait},
		{"runtime.max_wait", r.MaxWait, &b.MaxWait},
		{"runtime.poll_interval", r.PollInterval, &b.PollInterval},
	} {
		d, err := ParseDuration(f.value)
		if err != nil {
			return Bounds{}, fmt.Errorf("parsing %s: %w", f.name, err)
		}
		*f.dst = d
	}
	if b.MinWait > b.MaxWait {
		return Bounds{}, fmt.Errorf("runtime.min_wait %s exceeds runtime.max_wait %s", b.MinWait, b.MaxWait)
	}
	return b, nil
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// Missing values get their schema defaults.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("abseil.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig is the configuration of an empty config file.
func DefaultConfig() Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(err)
	}
	return *cfg
}

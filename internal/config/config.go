// Package config loads runtime settings from a TOML file and keeps them
// current while the runtime runs.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/tliron/commonlog"

	werrors "github.com/jazz-lang/Waffle/internal/errors"
	"github.com/jazz-lang/Waffle/internal/runtime/heap"
	"github.com/jazz-lang/Waffle/internal/runtime/vmem"
)

var log = commonlog.GetLogger("waffle.config")

// MaxChunkSize bounds heap.chunk-size to what a heap can index.
const MaxChunkSize Size = 16 << 20

func backendPageSize(kind vmem.Kind) Size {
	if kind == vmem.KindFake {
		return vmem.DefaultFakePageSize
	}
	return Size(os.Getpagesize())
}

// SchemaVersion is the configuration format this build writes. Files are
// accepted when their schema satisfies SchemaConstraint.
const (
	SchemaVersion    = "1.0.0"
	SchemaConstraint = "^1.0"
)

type Config struct {
	Schema  string        `toml:"schema"`
	GC      GCConfig      `toml:"gc"`
	Heap    HeapConfig    `toml:"heap"`
	Memory  MemoryConfig  `toml:"memory"`
	Metrics MetricsConfig `toml:"metrics"`
	Log     LogConfig     `toml:"log"`
}

type GCConfig struct {
	// Workers is the number of collector threads. It is fixed at start.
	Workers int `toml:"workers"`
	// Trace, when set, is a file receiving one CBOR record per collection.
	Trace string `toml:"trace"`
	// Archive, when set, is a directory holding a pebble store of the same
	// records keyed by process and sequence.
	Archive string `toml:"archive"`
}

type HeapConfig struct {
	ChunkSize    Size    `toml:"chunk-size"`
	Threshold    Size    `toml:"threshold"`
	MaxBytes     Size    `toml:"max-bytes"`
	GrowthFactor float64 `toml:"growth-factor"`
	MajorEvery   int     `toml:"major-every"`
	Generational bool    `toml:"generational"`
	RetainChunks int     `toml:"retain-chunks"`
}

type MemoryConfig struct {
	// Backend is "os" or "fake".
	Backend string `toml:"backend"`
}

type MetricsConfig struct {
	// Listen is the HTTP/1.1 address; empty disables the endpoint.
	Listen string `toml:"listen"`
	// HTTP3 is the UDP address for HTTP/3 with a self-signed certificate;
	// empty disables it.
	HTTP3 string `toml:"http3"`
}

type LogConfig struct {
	// Verbosity follows commonlog: 0 is critical only, higher adds levels.
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	h := heap.DefaultConfig()
	return Config{
		Schema: SchemaVersion,
		GC:     GCConfig{Workers: 2},
		Heap: HeapConfig{
			ChunkSize:    Size(h.ChunkSize),
			Threshold:    Size(h.Threshold),
			MaxBytes:     Size(h.MaxBytes),
			GrowthFactor: h.GrowthFactor,
			MajorEvery:   h.MajorEvery,
			Generational: h.Generational,
			RetainChunks: h.RetainChunks,
		},
		Memory: MemoryConfig{Backend: string(vmem.KindOS)},
		Log:    LogConfig{Verbosity: 1},
	}
}

type Option func(*Config)

// New returns Default with opts applied.
func New(opts ...Option) Config {
	c := Default()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func WithWorkers(n int) Option {
	return func(c *Config) { c.GC.Workers = n }
}

func WithTrace(path string) Option {
	return func(c *Config) { c.GC.Trace = path }
}

func WithArchive(dir string) Option {
	return func(c *Config) { c.GC.Archive = dir }
}

func WithBackend(kind vmem.Kind) Option {
	return func(c *Config) { c.Memory.Backend = string(kind) }
}

func WithThreshold(bytes Size) Option {
	return func(c *Config) { c.Heap.Threshold = bytes }
}

func WithMaxBytes(bytes Size) Option {
	return func(c *Config) { c.Heap.MaxBytes = bytes }
}

func WithChunkSize(bytes Size) Option {
	return func(c *Config) { c.Heap.ChunkSize = bytes }
}

func WithMetrics(listen, http3 string) Option {
	return func(c *Config) { c.Metrics.Listen, c.Metrics.HTTP3 = listen, http3 }
}

func WithVerbosity(v int) Option {
	return func(c *Config) { c.Log.Verbosity = v }
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes TOML over the defaults and validates the result. Keys it
// does not know are logged and ignored.
func Parse(data []byte) (Config, error) {
	c := Default()
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return Config{}, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		log.Warningf("ignoring unknown configuration keys: %s", strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports the first setting that cannot be used. The error matches
// errors.ErrConfiguration.
func (c Config) Validate() error {
	v, err := semver.NewVersion(c.Schema)
	if err != nil {
		return werrors.InvalidConfig("schema", c.Schema, err.Error())
	}
	constraint, err := semver.NewConstraint(SchemaConstraint)
	if err != nil {
		return werrors.InvalidConfig("schema", SchemaConstraint, err.Error())
	}
	if !constraint.Check(v) {
		return werrors.InvalidConfig("schema", c.Schema, "this build reads "+SchemaConstraint)
	}

	if c.GC.Workers < 1 {
		return werrors.InvalidConfig("gc.workers", c.GC.Workers, "at least one worker is required")
	}
	switch vmem.Kind(c.Memory.Backend) {
	case vmem.KindOS, vmem.KindFake:
	default:
		return werrors.InvalidConfig("memory.backend", c.Memory.Backend, `must be "os" or "fake"`)
	}

	h := c.Heap
	if h.ChunkSize == 0 || h.ChunkSize&(h.ChunkSize-1) != 0 {
		return werrors.InvalidConfig("heap.chunk-size", h.ChunkSize, "must be a power of two")
	}
	if page := backendPageSize(vmem.Kind(c.Memory.Backend)); h.ChunkSize < page {
		return werrors.InvalidConfig("heap.chunk-size", h.ChunkSize, "must not be below the page size "+page.String())
	}
	if h.ChunkSize > MaxChunkSize {
		return werrors.InvalidConfig("heap.chunk-size", h.ChunkSize, "must not exceed "+MaxChunkSize.String())
	}
	if h.Threshold == 0 {
		return werrors.InvalidConfig("heap.threshold", h.Threshold, "must not be zero")
	}
	if h.MaxBytes != 0 && h.MaxBytes < h.Threshold {
		return werrors.InvalidConfig("heap.max-bytes", h.MaxBytes, "must not be below heap.threshold")
	}
	if h.GrowthFactor < 1 {
		return werrors.InvalidConfig("heap.growth-factor", h.GrowthFactor, "must be at least 1")
	}
	if h.MajorEvery < 1 {
		return werrors.InvalidConfig("heap.major-every", h.MajorEvery, "must be at least 1")
	}
	if h.RetainChunks < 0 {
		return werrors.InvalidConfig("heap.retain-chunks", h.RetainChunks, "must not be negative")
	}
	return nil
}

// HeapOptions converts the heap section into options for heap.New.
func (c Config) HeapOptions() []heap.Option {
	h := c.Heap
	return []heap.Option{
		heap.WithChunkSize(uintptr(h.ChunkSize)),
		heap.WithThreshold(uintptr(h.Threshold)),
		heap.WithMaxBytes(uintptr(h.MaxBytes)),
		heap.WithGrowthFactor(h.GrowthFactor),
		heap.WithMajorEvery(h.MajorEvery),
		heap.WithGenerational(h.Generational),
		heap.WithRetainChunks(h.RetainChunks),
	}
}

// Encode writes c as TOML.
func (c Config) Encode() ([]byte, error) {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

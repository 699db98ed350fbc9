package heap

import (
	werrors "github.com/jazz-lang/Waffle/internal/errors"
)

// Config holds the tunables of a heap.
type Config struct {
	// ChunkSize is the size and alignment of every region the heap reserves.
	ChunkSize uintptr
	// Threshold is the live byte count past which a collection is requested.
	Threshold uintptr
	// MaxBytes is the hard limit; allocations beyond it fail after an
	// emergency collection. Zero means unlimited.
	MaxBytes uintptr
	// GrowthFactor scales the surviving bytes into the next threshold.
	GrowthFactor float64
	// MajorEvery forces a full collection after this many minor ones.
	MajorEvery int
	// Generational enables minor collections. When false every collection
	// traces the whole heap.
	Generational bool
	// RetainChunks is how many empty chunks keep their reservation (with
	// pages discarded) for reuse instead of being released.
	RetainChunks int

	onPressure func(*Heap)
}

type Option func(*Config)

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    256 * 1024,
		Threshold:    4 * 1024 * 1024,
		MaxBytes:     0,
		GrowthFactor: 2.0,
		MajorEvery:   8,
		Generational: true,
		RetainChunks: 4,
	}
}

func WithChunkSize(size uintptr) Option {
	return func(c *Config) { c.ChunkSize = size }
}

func WithThreshold(bytes uintptr) Option {
	return func(c *Config) { c.Threshold = bytes }
}

func WithMaxBytes(bytes uintptr) Option {
	return func(c *Config) { c.MaxBytes = bytes }
}

func WithGrowthFactor(f float64) Option {
	return func(c *Config) { c.GrowthFactor = f }
}

func WithMajorEvery(n int) Option {
	return func(c *Config) { c.MajorEvery = n }
}

func WithGenerational(enabled bool) Option {
	return func(c *Config) { c.Generational = enabled }
}

func WithRetainChunks(n int) Option {
	return func(c *Config) { c.RetainChunks = n }
}

// WithPressureHandler registers fn to be called when allocation pushes the
// heap into CollectionRequested. It runs on the mutator's goroutine.
func WithPressureHandler(fn func(*Heap)) Option {
	return func(c *Config) { c.onPressure = fn }
}

func (c *Config) validate(page uintptr) {
	if c.ChunkSize == 0 || c.ChunkSize%page != 0 || c.ChunkSize%cellSize != 0 {
		panic(werrors.InvalidConfig("chunk size", c.ChunkSize, "must be a non-zero multiple of the page size"))
	}
	if c.ChunkSize/cellSize > 1<<20 {
		panic(werrors.InvalidConfig("chunk size", c.ChunkSize, "too many cells per chunk"))
	}
	if c.GrowthFactor < 1 {
		panic(werrors.InvalidConfig("growth factor", c.GrowthFactor, "must be at least 1"))
	}
	if c.MajorEvery < 1 {
		panic(werrors.InvalidConfig("major every", c.MajorEvery, "must be at least 1"))
	}
	if c.RetainChunks < 0 {
		panic(werrors.InvalidConfig("retain chunks", c.RetainChunks, "must not be negative"))
	}
	if c.MaxBytes != 0 && c.MaxBytes < c.Threshold {
		panic(werrors.InvalidConfig("max bytes", c.MaxBytes, "must not be below the collection threshold"))
	}
}

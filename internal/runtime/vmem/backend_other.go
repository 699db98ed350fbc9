//go:build !linux && !darwin && !windows

package vmem

// NewOSBackend falls back to the in-memory backend on platforms without a
// native implementation.
func NewOSBackend() Backend {
	log.Warningf("no native memory backend for this platform, using in-memory pages")
	return NewFakeBackend()
}

// Package metrics exposes runtime counters in a plain text format over
// HTTP/1.1 and HTTP/3.
package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("waffle.metrics")

// MetricFunc returns a snapshot of metric name to value. Names should use
// [a-zA-Z0-9_:] only.
type MetricFunc func() map[string]float64

// Registry is a named set of collectors.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]MetricFunc
}

func NewRegistry() *Registry {
	return &Registry{collectors: make(map[string]MetricFunc)}
}

// Register adds or replaces the collector called name.
func (r *Registry) Register(name string, fn MetricFunc) {
	r.mu.Lock()
	r.collectors[name] = fn
	r.mu.Unlock()
}

// WriteText writes every metric as "<collector>_<name> <value>" lines, sorted
// by collector and then by name.
func (r *Registry) WriteText(w io.Writer) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	fns := make(map[string]MetricFunc, len(names))
	for _, name := range names {
		fns[name] = r.collectors[name]
	}
	r.mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		fn := fns[name]
		if fn == nil {
			continue
		}
		snapshot := fn()
		keys := make([]string, 0, len(snapshot))
		for k := range snapshot {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := fmt.Fprintf(w, "%s %g\n", sanitizeMetricToken(name+"_"+k), snapshot[k]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Handler serves the registry under /metrics.
func (r *Registry) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := r.WriteText(w); err != nil {
			log.Debugf("write metrics: %s", err)
		}
	})
	return mux
}

// StartServer serves reg over HTTP/1.1 on addr. It returns the bound address,
// which differs from addr when port 0 was requested, and a shutdown function.
func StartServer(addr string, reg *Registry) (string, func(ctx context.Context) error, error) {
	srv := &http.Server{Addr: addr, Handler: reg.Handler(), ReadHeaderTimeout: 3 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics: listen %s: %w", addr, err)
	}
	bound := ln.Addr().String()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server: %s", err)
		}
	}()
	log.Infof("serving metrics on http://%s/metrics", bound)
	return bound, srv.Shutdown, nil
}

func sanitizeMetricToken(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == ':' {
			b[i] = c
		} else {
			b[i] = '_'
		}
	}
	if len(b) > 0 && b[0] >= '0' && b[0] <= '9' {
		return "_" + string(b)
	}
	out := string(b)
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return out
}

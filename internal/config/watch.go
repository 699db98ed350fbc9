package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a configuration file whenever it changes on disk.
type Watcher struct {
	path     string
	w        *fsnotify.Watcher
	onChange func(Config)
}

// NewWatcher starts observing path. The parent directory is watched rather
// than the file so that editors which replace the file by renaming are seen.
func NewWatcher(path string, onChange func(Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return &Watcher{path: abs, w: w, onChange: onChange}, nil
}

// Run delivers reloaded configurations until ctx is done or the watcher is
// closed. A file that fails to load is logged and the previous settings stay
// in effect.
func (cw *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			c, err := Load(cw.path)
			if err != nil {
				log.Warningf("reload of %s rejected: %s", cw.path, err)
				continue
			}
			log.Infof("reloaded %s", cw.path)
			cw.onChange(c)
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			log.Warningf("watching %s: %s", cw.path, err)
		}
	}
}

func (cw *Watcher) Close() error { return cw.w.Close() }

// Watch runs a Watcher for path until ctx is done.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	cw, err := NewWatcher(path, onChange)
	if err != nil {
		return err
	}
	defer cw.Close()
	cw.Run(ctx)
	return nil
}

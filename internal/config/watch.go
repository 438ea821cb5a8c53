package config

import (
	"context"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	logx "deferq/pkg/logx"
)

const (
	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second
)

// Watch reloads the file after it settles for the debounce window. The
// parent directory is watched so editors that replace the file are seen.
// A broken watcher is recreated with jittered backoff. It returns when ctx
// ends.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("dir", dir), logx.String("file", name))

	retry := watchRetryMin
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, name, log, func() { retry = watchRetryMin })
		if ctx.Err() != nil {
			break
		}
		wait := retry + time.Duration(rand.Int63n(int64(retry/2 + 1)))
		retry = min(retry*2, watchRetryMax)
		log.Warn("config watcher restarting", logx.Duration("in", wait), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends.
func (m *Manager) watchOnce(ctx context.Context, dir, name string, log logx.Logger, healthy func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "new watcher")
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}
	healthy()
	log.Debug("config watcher started")

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-settle:
			settle = nil
			_, _ = m.Reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				settle = time.After(m.debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn("config watch overflow; reloading", logx.Err(err))
				settle = time.After(m.debounce)
				continue
			}
			log.Warn("config watch error", logx.Err(err))
		}
	}
}

package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 150 * time.Millisecond

// Options configures File.
type Options struct {
	Debounce time.Duration
	Logger   pslog.Logger
}

// ChangeFunc receives the new file content after a debounced change.
type ChangeFunc func(ctx context.Context, content string)

// File calls fn with the content of path every time it changes, until ctx is
// done. The parent directory is watched so editors that replace the file by
// rename are followed. Changes that leave the content unchanged are ignored.
func File(ctx context.Context, path string, opts Options, fn ChangeFunc) error {
	if fn == nil {
		return errors.New("watch callback is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	log = log.With("path", abs)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	log.Info("watch started")

	last, _ := os.ReadFile(abs)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			log.Info("watch stopped")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			log.Trace("watch event", "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(opts.Debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(opts.Debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			content, err := os.ReadFile(abs)
			if err != nil {
				log.Debug("watch read skipped", "err", err)
				continue
			}
			if string(content) == string(last) {
				log.Trace("watch content unchanged")
				continue
			}
			last = content
			log.Debug("watch change", "bytes", len(content))
			fn(ctx, string(content))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", "err", err)
		}
	}
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("together/config")

// reloadDelay coalesces the burst of events editors emit on save.
const reloadDelay = 150 * time.Millisecond

// Watch reloads the config file whenever it changes and hands every valid
// result to onChange. Invalid edits are logged and skipped. The parent
// directory is watched so atomic rename-on-save editors are seen too.
// Watching stops when ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDelay)
				} else {
					timer.Reset(reloadDelay)
				}
				fire = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("watch error: %v", err)
			case <-fire:
				fire = nil
				cfg, err := Load(abs)
				if err != nil {
					log.Warnf("ignoring config change: %v", err)
					continue
				}
				log.Infof("reloaded %s", abs)
				onChange(cfg)
			}
		}
	}()
	return nil
}

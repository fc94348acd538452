package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads the config file at path whenever it is written and passes
// each configuration that loads cleanly to onChange. Load errors go to
// onError and leave the previous configuration in force. Watching stops when
// ctx is done.
func Watch(ctx context.Context, path string, onChange func(Config), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	// The directory is watched so editors that replace the file by rename
	// are still seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	reload := func() {
		cfg, err := LoadFile(path)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reloading config: %w", err))
			}
			return
		}
		onChange(cfg)
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()
	return nil
}

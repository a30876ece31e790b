package config

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch re-loads the config file whenever it changes and hands the new
// Config to onChange. Only tunables the caller chooses to apply take
// effect; a reload that fails validation is dropped. Watch returns when
// ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	path = strings.TrimSpace(path)
	if path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			cfg, loadErr := Load(path)
			if loadErr != nil {
				continue
			}
			onChange(cfg)
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}

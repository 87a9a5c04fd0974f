package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch starts watching the directory containing path for writes to path,
// calling onChange after reloading it. It returns once the watcher is
// installed; the watch loop itself runs in a goroutine and stops when ctx
// is canceled.
//
// Credentials already baked into a constructed Client are not hot-swapped
// by this — the fetcher reads DANBOORU_LOGIN/DANBOORU_API_KEY once at
// construction, and DANBOORU_RATE_LIMIT is read once at startup when the
// limiter is built. Watch refreshes the process environment and gives an
// operator editing the file a clear log line, without requiring a full
// restart to notice the file changed at all; no running component re-reads
// the environment afterwards.
func Watch(ctx context.Context, path string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				slog.Info("env file changed, reloading", "path", path)
				if err := Reload(path); err != nil {
					slog.Error("failed to reload env file", "path", path, "err", err)
					continue
				}
				if onChange != nil {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("env watcher error", "err", err)
			}
		}
	}()

	return nil
}

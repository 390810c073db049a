package supervisor

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchFile signals on the returned channel whenever path (or its -wal/-journal
// companions) is written. The channel is closed when ctx is done.
func watchFile(ctx context.Context, path string, log *slog.Logger) (<-chan struct{}, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	base := filepath.Base(path)
	names := map[string]bool{base: true, base + "-wal": true, base + "-journal": true}

	out := make(chan struct{}, 1)
	go func() {
		defer func() { _ = fsw.Close() }()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 || !names[filepath.Base(ev.Name)] {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warn("ledger watcher error", "error", err)
			}
		}
	}()
	return out, nil
}

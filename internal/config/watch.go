package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange with the reloaded Config each time the file at path
// is written. It runs until ctx is cancelled. A reload that fails to parse
// or validate is logged and skipped.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}
	slog.Info("config: watching for changes", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Atomic saves show up as Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config", "path", path, "err", err)
				continue
			}
			slog.Info("config: reloaded", "path", path)
			onChange(cfg)
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// WatchLevel keeps level in sync with the log_level of the file at path.
func WatchLevel(ctx context.Context, path string, level *slog.LevelVar) error {
	return Watch(ctx, path, func(cfg *Config) {
		l, err := ParseLevel(cfg.LogLevel)
		if err != nil {
			return
		}
		if l != level.Level() {
			slog.Info("config: log level changed", "from", level.Level().String(), "to", l.String())
			level.Set(l)
		}
	})
}

package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchQueues reloads the queues file whenever it changes and hands the new,
// validated definitions to onChange. The parent directory is watched so that
// atomic saves (rename over the path) and ConfigMap symlink swaps are seen.
// A reload that fails to parse or validate is logged and the previous
// definitions stay active. It runs until ctx is cancelled.
func (c *Config) WatchQueues(ctx context.Context, logger *slog.Logger, onChange func([]QueueConfig)) error {
	if c.QueuesFile == "" {
		<-ctx.Done()
		return nil
	}
	logger = logger.With("component", "config_watch", "path", c.QueuesFile)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	path := filepath.Clean(c.QueuesFile)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	logger.Info("watching queues file")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !queuesFileChanged(event, path) {
				continue
			}

			queues, err := LoadQueues(c.QueuesFile)
			if err == nil {
				c.ApplyQueueDefaults(queues)
				err = ValidateQueues(queues)
			}
			if err != nil {
				logger.Error("queues reload failed, keeping previous definitions", "error", err)
				continue
			}

			logger.Info("queues reloaded", "queues", len(queues))
			onChange(queues)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("queues watcher error", "error", err)
		}
	}
}

// queuesFileChanged reports whether event may have changed the content at
// path: a write or create of the file itself, or a create of the "..data"
// link Kubernetes swaps when a mounted ConfigMap is updated.
func queuesFileChanged(event fsnotify.Event, path string) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	name := filepath.Clean(event.Name)
	if name == path {
		return true
	}
	return filepath.Base(name) == "..data" && filepath.Dir(name) == filepath.Dir(path)
}

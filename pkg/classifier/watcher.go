package classifier

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/metrics"
)

// Watcher reloads a classifier whenever its rules file changes. A file that
// fails to parse or compile is logged and the previous ruleset stays active.
type Watcher struct {
	classifier *Classifier
	path       string
	logger     *zap.Logger
}

func NewWatcher(classifier *Classifier, path string, logger *zap.Logger) *Watcher {
	return &Watcher{classifier: classifier, path: path, logger: logger}
}

// Run blocks until ctx is cancelled. The parent directory is watched so
// editors that replace the file by rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch rules directory: %w", err)
	}

	target := filepath.Clean(w.path)
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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("rules watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	if err := ReloadFile(w.classifier, w.path); err != nil {
		metrics.RulesReloads.WithLabelValues("error").Inc()
		w.logger.Error("failed to reload classification rules", zap.String("path", w.path), zap.Error(err))
		return
	}
	metrics.RulesReloads.WithLabelValues("ok").Inc()
	w.logger.Info("classification rules reloaded", zap.String("version", w.classifier.Version()))
}

func ReloadFile(c *Classifier, path string) error {
	rules, err := LoadRulesFile(path)
	if err != nil {
		return err
	}
	return c.Reload(rules)
}

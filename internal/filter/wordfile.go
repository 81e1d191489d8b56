package filter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	yaml "go.yaml.in/yaml/v3"
)

const reloadDebounce = 250 * time.Millisecond

// wordFile is the on-disk layout:
//
//	words:
//	  - badword
//	  - 敏感词
type wordFile struct {
	Words []string `yaml:"words"`
}

// LoadWordFile reads a YAML word list.
func LoadWordFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read word file: %w", err)
	}
	var wf wordFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse word file %s: %w", path, err)
	}
	return wf.Words, nil
}

// WatchWordFile calls onChange with the freshly parsed list whenever path is
// written, replaced or recreated. Editors often emit several events per save,
// so reloads are debounced. It blocks until ctx is done.
func WatchWordFile(ctx context.Context, path string, onChange func(words []string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: atomic-rename saves replace the inode.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	base := filepath.Base(path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		words, err := LoadWordFile(path)
		if err != nil {
			zap.L().Warn("filter.word_file_reload_failed", zap.String("path", path), zap.Error(err))
			return
		}
		onChange(words)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
			timerMu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			zap.L().Warn("filter.word_file_watch_error", zap.Error(err))
		}
	}
}

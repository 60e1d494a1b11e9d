package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce is the quiet period before a changed package is reloaded
const DefaultReloadDebounce = 150 * time.Millisecond

// Watch reloads id's window whenever files in its package change. Bursts of
// changes collapse into one reload. Watching ends when ctx is done or the
// plugin is deregistered.
func (m *Manager) Watch(ctx context.Context, id string, debounce time.Duration) error {
	inst, ok := m.instance(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	m.mu.RLock()
	root := inst.packageDir
	m.mu.RUnlock()
	if root == "" {
		return fmt.Errorf("plugin %s has no loaded package", id)
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := addRecursive(watcher, root); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch package: %w", err)
	}

	log := m.logger.With().Str("plugin_id", id).Str("path", root).Logger()
	log.Info().Msg("Watching package for changes")

	go func() {
		defer watcher.Close()

		var (
			timerMu sync.Mutex
			timer   *time.Timer
		)
		reload := func() {
			if err := m.Reload(context.Background(), id); err != nil {
				log.Error().Err(err).Msg("Reload failed")
				return
			}
			log.Info().Msg("Plugin reloaded")
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
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if isHidden(root, event.Name) {
					continue
				}
				if event.Op&fsnotify.Create == fsnotify.Create {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = addRecursive(watcher, event.Name)
					}
				}
				timerMu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, reload)
				timerMu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("Watcher error")

			case <-inst.done:
				return

			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// isHidden reports whether any component of path below root is a dotfile
func isHidden(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}

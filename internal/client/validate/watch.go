package validate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses editor save bursts into one validation pass.
const watchDebounce = 2 * time.Second

// Watch re-validates the content tree when skill, persona, or council files
// change. It blocks until the context ends; onReport receives the result of
// each triggered pass.
func (v *Validator) Watch(ctx context.Context, onReport func(*Report)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	roots := []string{v.dir.SkillsDir(), v.dir.PersonasDir(), v.dir.CouncilsDir()}
	for _, root := range roots {
		if err := watcher.Add(root); err != nil {
			v.log.Warn("cannot watch directory", "path", root, "error", err)
			continue
		}
		// fsnotify does not recurse; skill and persona content lives one
		// level down.
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(filepath.Join(root, e.Name()))
			}
		}
	}

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			report, err := v.Run()
			if err != nil {
				v.log.Warn("re-validation failed", "error", err)
				return
			}
			if onReport != nil {
				onReport(report)
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			base := filepath.Base(event.Name)
			if base == "index.json" || strings.HasSuffix(base, ".tmp") {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			v.log.Debug("content change detected", "path", event.Name, "op", event.Op.String())
			schedule()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			v.log.Warn("content watcher error", "error", err)
		}
	}
}

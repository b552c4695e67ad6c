package loop

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// editWatcher observes the repository while the validation command runs,
// collecting write and remove events. The loop filters out the applier's
// own writes; what remains is an external edit racing the run.
type editWatcher struct {
	root    string
	watcher *fsnotify.Watcher
	log     *zap.Logger

	mu    sync.Mutex
	seen  map[string]bool
	done  chan struct{}
	ended chan struct{}
}

// newEditWatcher starts watching every directory under root except VCS
// metadata. fsnotify watches are not recursive, so the tree is walked up
// front; directories created mid-run are added as their events arrive.
func newEditWatcher(root string, log *zap.Logger) (*editWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ew := &editWatcher{
		root:    root,
		watcher: w,
		log:     log,
		seen:    make(map[string]bool),
		done:    make(chan struct{}),
		ended:   make(chan struct{}),
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		switch d.Name() {
		case ".git", ".hg", ".svn":
			if path != root {
				return filepath.SkipDir
			}
		}
		if addErr := w.Add(path); addErr != nil {
			log.Debug("watch add failed", zap.String("path", path), zap.Error(addErr))
		}
		return nil
	})
	if err != nil {
		w.Close()
		return nil, err
	}

	go ew.run()
	return ew, nil
}

func (ew *editWatcher) run() {
	defer close(ew.ended)
	for {
		select {
		case <-ew.done:
			return
		case event, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			ew.handle(event)
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			ew.log.Debug("watcher error", zap.Error(err))
		}
	}
}

func (ew *editWatcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	rel, err := filepath.Rel(ew.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	// New directories need their own watch to see writes inside them.
	if event.Op&fsnotify.Create != 0 {
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			if addErr := ew.watcher.Add(event.Name); addErr != nil {
				ew.log.Debug("watch add failed", zap.String("path", event.Name), zap.Error(addErr))
			}
			return
		}
	}

	ew.mu.Lock()
	ew.seen[rel] = true
	ew.mu.Unlock()
}

// Stop ends the watch and returns the sorted set of touched paths.
func (ew *editWatcher) Stop() []string {
	close(ew.done)
	ew.watcher.Close()
	<-ew.ended

	ew.mu.Lock()
	defer ew.mu.Unlock()
	paths := make([]string, 0, len(ew.seen))
	for p := range ew.seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

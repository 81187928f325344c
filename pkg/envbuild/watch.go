package envbuild

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// envWatcher notices when an environment directory under EnvsDir is
// removed by something other than Builder itself, and invokes onRemoved
// with the environment's name so the in-memory index stays honest.
type envWatcher struct {
	fsw *fsnotify.Watcher
	done chan struct{}
}

func newEnvWatcher(envsDir string, onRemoved func(envName string)) (*envWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(envsDir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &envWatcher{fsw: fsw, done: make(chan struct{})}
	go w.run(onRemoved)
	return w, nil
}

func (w *envWatcher) run(onRemoved func(string)) {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				onRemoved(filepath.Base(ev.Name))
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *envWatcher) close() error {
	close(w.done)
	return w.fsw.Close()
}

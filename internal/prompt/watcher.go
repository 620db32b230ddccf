package prompt

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates the assembler's caches when the identity or soul file
// changes on disk. The TTL remains the correctness backstop; the watcher
// just shortens the window.
type Watcher struct {
	assembler *Assembler
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// Watch starts watching the assembler's prompt files. Files that do not
// exist yet are skipped; they will be picked up by the TTL once created.
func Watch(a *Assembler) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	watched := 0
	for _, path := range []string{a.identityFile, a.soulFile} {
		if path == "" {
			continue
		}
		if err := fw.Add(path); err != nil {
			a.logger.Debug("not watching prompt file", "path", path, "error", err)
			continue
		}
		watched++
	}
	a.logger.Info("watching prompt files", "count", watched)

	w := &Watcher{assembler: a, watcher: fw, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.assembler.logger.Debug("prompt file changed", "path", event.Name)
				w.assembler.Invalidate(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.assembler.logger.Warn("prompt watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

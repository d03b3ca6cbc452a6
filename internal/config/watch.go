package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// debounceDelay coalesces the burst of events editors emit on save.
const debounceDelay = 250 * time.Millisecond

// Watcher reloads the config file on change and hands each valid new
// Config to the callback. Invalid edits are logged and skipped; the last
// good config stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	closed  chan struct{}
}

// Watch starts watching path. The parent directory is watched rather than
// the file itself: most editors replace the file on save, which would kill
// a direct file watch.
func Watch(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		closed:  make(chan struct{}),
	}
	go w.loop(onChange)
	return w, nil
}

func (w *Watcher) loop(onChange func(Config)) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
				timerC = timer.C
			} else {
				timer.Reset(debounceDelay)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			cfg, err := Load(w.path)
			if err != nil {
				log.Warnf("config reload skipped: %v", err)
				continue
			}
			log.Infof("config reloaded from %s", w.path)
			onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("config watcher: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.closed)
	return w.watcher.Close()
}

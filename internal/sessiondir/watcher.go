package sessiondir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/errkind"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/log"
)

// DumpWatcher validates that a crash-dump file exists before a session
// opens against it, and watches directories holding dumps already in use
// for external changes. It is diagnostic only: it logs what it observes and
// never mutates session state.
type DumpWatcher struct {
	watcher *fsnotify.Watcher
}

// NewDumpWatcher starts an fsnotify watcher and its event-draining
// goroutine. Callers must Close it on shutdown.
func NewDumpWatcher() (*DumpWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("sessiondir: starting dump watcher: %w", err)
	}
	dw := &DumpWatcher{watcher: w}
	go dw.run()
	return dw, nil
}

func (dw *DumpWatcher) run() {
	for {
		select {
		case ev, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Warn(log.CatSession, "dump file changed externally", "path", ev.Name, "op", ev.Op.String())
			}
		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatSession, "dump watcher error", "error", err)
		}
	}
}

// Watch begins watching localPath's containing directory, so later external
// writes to a dump already backing an open session get logged.
func (dw *DumpWatcher) Watch(localPath string) {
	dir := filepath.Dir(localPath)
	if err := dw.watcher.Add(dir); err != nil {
		log.Warn(log.CatSession, "failed to watch dump directory", "dir", dir, "error", err)
	}
}

// Close stops the watcher and its event-draining goroutine.
func (dw *DumpWatcher) Close() error {
	return dw.watcher.Close()
}

// validateDumpExists confirms a pre-translation (WSL-visible) path names an
// existing regular file.
func validateDumpExists(localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("%w: dump file not found: %s", errkind.ErrInvalidInput, localPath)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: dump target is a directory: %s", errkind.ErrInvalidInput, localPath)
	}
	return nil
}

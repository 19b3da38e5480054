package coordinator

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ControlWatcher cancels executions in response to control files.
// Dropping a file named "cancel-<planID>" into the signals directory
// cancels that plan; a file named "cancel-all" cancels everything.
// This gives operators an out-of-band kill switch that works without
// the API surface.
type ControlWatcher struct {
	orch       *Orchestrator
	signalsDir string

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewControlWatcher watches the signals directory under controlDir,
// creating it if needed.
func NewControlWatcher(controlDir string, orch *Orchestrator) (*ControlWatcher, error) {
	signalsDir := filepath.Join(controlDir, "signals")
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(signalsDir); err != nil {
		watcher.Close()
		return nil, err
	}

	cw := &ControlWatcher{
		orch:       orch,
		signalsDir: signalsDir,
		watcher:    watcher,
		done:       make(chan struct{}),
	}
	go cw.watchSignals()
	return cw, nil
}

// SignalsDir returns the watched directory.
func (cw *ControlWatcher) SignalsDir() string {
	return cw.signalsDir
}

// watchSignals monitors the signals directory for cancel files.
func (cw *ControlWatcher) watchSignals() {
	for {
		select {
		case <-cw.done:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 && event.Op&fsnotify.Write == 0 {
				continue
			}
			cw.handleSignal(filepath.Base(event.Name))
		case <-cw.watcher.Errors:
			// Keep watching.
		}
	}
}

// handleSignal interprets one control file and removes it afterwards.
func (cw *ControlWatcher) handleSignal(name string) {
	if !strings.HasPrefix(name, "cancel-") {
		return
	}
	target := strings.TrimPrefix(name, "cancel-")
	if target == "" {
		return
	}

	if target == "all" {
		cw.orch.mu.Lock()
		planIDs := make([]string, 0, len(cw.orch.executions))
		for id := range cw.orch.executions {
			planIDs = append(planIDs, id)
		}
		cw.orch.mu.Unlock()
		for _, id := range planIDs {
			if err := cw.orch.CancelExecution(id); err == nil {
				log.Printf("[control] cancelled plan %s via signal file", id)
			}
		}
	} else {
		if err := cw.orch.CancelExecution(target); err != nil {
			log.Printf("[control] signal %s: %v", name, err)
		} else {
			log.Printf("[control] cancelled plan %s via signal file", target)
		}
	}

	os.Remove(filepath.Join(cw.signalsDir, name))
}

// Close stops the watcher.
func (cw *ControlWatcher) Close() {
	cw.once.Do(func() {
		close(cw.done)
		cw.watcher.Close()
	})
}

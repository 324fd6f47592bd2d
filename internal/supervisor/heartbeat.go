package supervisor

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ZachHandley/ZMCPTools-sub001/internal/state"
)

// defaultHeartbeatPoll is the stat-poll cadence backing up the file
// watcher; it also covers platforms where fsnotify is unavailable.
const defaultHeartbeatPoll = 30 * time.Second

// HeartbeatDir returns the directory agents touch to report liveness.
func HeartbeatDir() string {
	return filepath.Join(state.RuntimeDir(), "run", "heartbeats")
}

// TouchHeartbeat writes the agent's heartbeat file. Agents call this
// periodically from inside their own process.
func TouchHeartbeat(dir, agentID string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(dir, agentID)
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// HeartbeatWatcher turns heartbeat file writes into touch callbacks. File
// events drive the fast path; a slower stat poll catches anything the
// watcher missed and serves as the fallback when no watcher could be
// created.
type HeartbeatWatcher struct {
	dir          string
	onTouch      func(agentID string, at time.Time)
	pollInterval time.Duration

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewHeartbeatWatcher creates a watcher over dir. Each observed heartbeat
// invokes onTouch with the agent id and the file's modification time.
func NewHeartbeatWatcher(dir string, onTouch func(agentID string, at time.Time)) *HeartbeatWatcher {
	return &HeartbeatWatcher{
		dir:          dir,
		onTouch:      onTouch,
		pollInterval: defaultHeartbeatPoll,
		done:         make(chan struct{}),
		seen:         make(map[string]time.Time),
	}
}

// Start creates the directory and begins watching. A failure to set up
// fsnotify is not fatal; the poll loop alone keeps heartbeats flowing.
func (w *HeartbeatWatcher) Start() error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(w.dir); err != nil {
			watcher.Close()
		} else {
			w.watcher = watcher
		}
	}

	go w.run()
	return nil
}

func (w *HeartbeatWatcher) run() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Nil channels block forever, which drops the watcher cases from the
	// select when fsnotify could not be set up.
	var events chan fsnotify.Event
	var errs chan error
	if w.watcher != nil {
		events = w.watcher.Events
		errs = w.watcher.Errors
	}

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&fsnotify.Create != 0 || event.Op&fsnotify.Write != 0 {
				if info, err := os.Stat(event.Name); err == nil && !info.IsDir() {
					w.noteTouch(filepath.Base(event.Name), info.ModTime())
				}
			}
		case <-errs:
			// Ignore watcher errors, keep watching
		case <-ticker.C:
			w.pollOnce()
		}
	}
}

func (w *HeartbeatWatcher) pollOnce() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		w.noteTouch(entry.Name(), info.ModTime())
	}
}

// noteTouch fires the callback when the heartbeat advanced past what was
// already reported, deduplicating between the event and poll paths.
func (w *HeartbeatWatcher) noteTouch(agentID string, at time.Time) {
	w.mu.Lock()
	if !at.After(w.seen[agentID]) {
		w.mu.Unlock()
		return
	}
	w.seen[agentID] = at
	w.mu.Unlock()
	w.onTouch(agentID, at)
}

// Forget drops the recorded heartbeat for an agent and removes its file,
// typically after the agent was reaped.
func (w *HeartbeatWatcher) Forget(agentID string) {
	w.mu.Lock()
	delete(w.seen, agentID)
	w.mu.Unlock()
	os.Remove(filepath.Join(w.dir, agentID))
}

// Stop shuts down the watcher.
func (w *HeartbeatWatcher) Stop() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
}

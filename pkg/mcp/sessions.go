package mcp

import "sync"

// WatchRegistry tracks the running audit watch of each MCP session.
// A session has at most one watch; starting another replaces it.
type WatchRegistry struct {
	mu      sync.Mutex
	watches map[string]func() // sessionID → stop
}

// NewWatchRegistry creates a new empty WatchRegistry.
func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{watches: make(map[string]func())}
}

// Start records stop as the watch of sessionID, stopping the previous one.
func (r *WatchRegistry) Start(sessionID string, stop func()) {
	r.mu.Lock()
	prev := r.watches[sessionID]
	r.watches[sessionID] = stop
	r.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Stop ends the watch of sessionID. It reports whether one was running.
func (r *WatchRegistry) Stop(sessionID string) bool {
	r.mu.Lock()
	stop, ok := r.watches[sessionID]
	delete(r.watches, sessionID)
	r.mu.Unlock()
	if ok {
		stop()
	}
	return ok
}

// StopAll ends every watch.
func (r *WatchRegistry) StopAll() {
	r.mu.Lock()
	watches := r.watches
	r.watches = make(map[string]func())
	r.mu.Unlock()
	for _, stop := range watches {
		stop()
	}
}

// Active returns the number of running watches.
func (r *WatchRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches)
}

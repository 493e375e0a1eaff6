package dispatch

import "sync"

// Registry maps window labels to their command routers. Requests naming an
// unknown label are rejected by the responder before any dispatch. Beyond
// window attach and detach the table is read-only.
type Registry struct {
	mu      sync.RWMutex
	windows map[string]*Router
}

func NewRegistry() *Registry {
	return &Registry{windows: make(map[string]*Router)}
}

// Attach registers router under windowLabel. Each webview has exactly one
// stable label for its lifetime; re-attaching a label replaces its router.
func (r *Registry) Attach(windowLabel string, router *Router) {
	r.mu.Lock()
	r.windows[windowLabel] = router
	r.mu.Unlock()
}

// Detach removes windowLabel from the routing table.
func (r *Registry) Detach(windowLabel string) {
	r.mu.Lock()
	delete(r.windows, windowLabel)
	r.mu.Unlock()
}

// Lookup resolves windowLabel to its router.
func (r *Registry) Lookup(windowLabel string) (*Router, bool) {
	r.mu.RLock()
	router, ok := r.windows[windowLabel]
	r.mu.RUnlock()
	return router, ok
}

// Labels lists the attached window labels.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	labels := make([]string, 0, len(r.windows))
	for label := range r.windows {
		labels = append(labels, label)
	}
	return labels
}

package session

// ControllerCount reports how many tenants currently own a controller.
func ControllerCount(r *Registry) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

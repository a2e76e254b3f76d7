package engine

import "sync"

// claims tracks storage identifiers held by live Snappers in this process.
var claims = struct {
	mu   sync.Mutex
	held map[string]struct{}
}{held: map[string]struct{}{}}

func claim(id string) error {
	claims.mu.Lock()
	defer claims.mu.Unlock()

	if _, ok := claims.held[id]; ok {
		return &RunError{
			Code:    ErrCodeStorageInUse,
			Message: "storage " + id + " is claimed",
			Index:   -1,
			Err:     ErrStorageInUse,
		}
	}
	claims.held[id] = struct{}{}
	return nil
}

func release(id string) {
	claims.mu.Lock()
	defer claims.mu.Unlock()
	delete(claims.held, id)
}

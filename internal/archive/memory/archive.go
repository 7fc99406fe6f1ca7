// Package memory provides an in-memory archive for tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Archive keeps archived payloads in a map keyed by their pseudo URI.
type Archive struct {
	mu      sync.RWMutex
	objects map[string][]byte
	n       int
}

// New returns an empty Archive.
func New() *Archive {
	return &Archive{objects: make(map[string][]byte)}
}

// PutBatch stores the payload and returns a mem:// URI.
func (a *Archive) PutBatch(_ context.Context, connectionID string, payload []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	uri := fmt.Sprintf("mem://%s/%d", connectionID, a.n)
	a.objects[uri] = append([]byte(nil), payload...)
	return uri, nil
}

// Object returns a stored payload.
func (a *Archive) Object(uri string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.objects[uri]
	return b, ok
}

// Len returns the number of archived payloads.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.objects)
}

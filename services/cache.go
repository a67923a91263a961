package services

import "sync"

// Cached hält ein Payload zusammen mit der Refresh-Signatur, unter der es
// gebaut wurde. GetOrRebuild baut neu, sobald die Signatur abweicht.
// Ersetzt versteckte prozessweite Caches durch eine explizite, testbare Abhängigkeit.
type Cached[T any] struct {
	mu      sync.Mutex
	sig     string
	built   bool
	payload T
}

// GetOrRebuild liefert das gecachte Payload, solange sig unverändert ist,
// und ruft sonst rebuild auf. Ein Rebuild-Fehler lässt den Cache unberührt.
func (c *Cached[T]) GetOrRebuild(sig string, rebuild func() (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.built && c.sig == sig {
		return c.payload, nil
	}
	payload, err := rebuild()
	if err != nil {
		var zero T
		return zero, err
	}
	c.payload = payload
	c.sig = sig
	c.built = true
	return c.payload, nil
}

// Invalidate verwirft das gecachte Payload.
func (c *Cached[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.built = false
}

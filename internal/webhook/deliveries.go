package webhook

import (
	"sync"
	"time"
)

// DefaultDeliveryWindow is how long delivery ids are remembered. GitHub
// retries within minutes.
const DefaultDeliveryWindow = time.Hour

// Deliveries remembers recent X-GitHub-Delivery ids so a redelivered
// notification does not start a second deployment.
type Deliveries struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDeliveries creates a tracker; window <= 0 selects DefaultDeliveryWindow
func NewDeliveries(window time.Duration) *Deliveries {
	if window <= 0 {
		window = DefaultDeliveryWindow
	}
	return &Deliveries{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// Seen records id and reports whether it was already recorded within the
// window. An empty id is never a duplicate.
func (d *Deliveries) Seen(id string) bool {
	if id == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for existing, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, existing)
		}
	}

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = now
	return false
}

// Forget removes id, so a delivery that was not acted on can be retried
func (d *Deliveries) Forget(id string) {
	d.mu.Lock()
	delete(d.seen, id)
	d.mu.Unlock()
}

package middleware

import (
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const headerDeliveryID = "X-Delivery-ID"

// Deduper remembers webhook delivery ids for a bounded time so redelivered
// events are acknowledged without being processed twice. The seen-set is
// best-effort: an evicted id means a redelivery is processed again, which
// downstream consumers must tolerate.
type Deduper struct {
	cache *ristretto.Cache[string, struct{}]
	ttl   time.Duration

	// onDuplicate is called for each dropped delivery, for metrics.
	onDuplicate func()
}

// NewDeduper creates a delivery-id seen-set capped at maxBytes of id data.
func NewDeduper(maxBytes int64, ttl time.Duration, onDuplicate func()) (*Deduper, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters: maxBytes / 100 * 10, // ~10x expected items
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	if onDuplicate == nil {
		onDuplicate = func() {}
	}
	return &Deduper{cache: cache, ttl: ttl, onDuplicate: onDuplicate}, nil
}

// Seen records id and reports whether it was already present.
func (d *Deduper) Seen(id string) bool {
	if _, found := d.cache.Get(id); found {
		d.onDuplicate()
		return true
	}
	d.cache.SetWithTTL(id, struct{}{}, int64(len(id)), d.ttl)
	// Make the id visible to concurrent lookups immediately.
	d.cache.Wait()
	return false
}

// Close releases the seen-set's resources.
func (d *Deduper) Close() {
	d.cache.Close()
}

// Dedup returns middleware that drops requests whose X-Delivery-ID was
// already accepted. Duplicates get 200 so the sender stops retrying.
// Requests without a delivery id pass through.
func Dedup(d *Deduper) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(headerDeliveryID)
			if id != "" && d.Seen(id) {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

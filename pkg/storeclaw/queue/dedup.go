package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Dedup remembers recently seen message keys.
type Dedup interface {
	// Seen atomically checks key and records it for ttl. It returns true
	// when a live entry already existed.
	Seen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// DedupKey hashes a sender and text into a dedup key.
func DedupKey(senderID, text string) string {
	sum := sha256.Sum256([]byte(senderID + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// MemoryDedup is an in-process Dedup. Expired entries are ignored on lookup
// and reclaimed by Sweep.
type MemoryDedup struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryDedup creates an empty MemoryDedup.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (d *MemoryDedup) Seen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.entries[key]; ok && now.Before(exp) {
		return true, nil
	}
	d.entries[key] = now.Add(ttl)
	return false, nil
}

// Sweep drops expired entries and returns how many were removed.
func (d *MemoryDedup) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for k, exp := range d.entries {
		if !now.Before(exp) {
			delete(d.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (d *MemoryDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

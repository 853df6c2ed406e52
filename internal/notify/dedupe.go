package notify

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const dedupeCacheSize = 512

// Deduper suppresses repeats of the same event within a window, so a
// polling caller re-requesting a pending gate doesn't re-page anyone.
type Deduper struct {
	next   Notifier
	window time.Duration
	seen   *lru.Cache[string, time.Time]
	now    func() time.Time
}

// NewDeduper wraps next with a suppression window.
func NewDeduper(next Notifier, window time.Duration) *Deduper {
	cache, _ := lru.New[string, time.Time](dedupeCacheSize)
	return &Deduper{next: next, window: window, seen: cache, now: time.Now}
}

func (d *Deduper) Notify(ctx context.Context, ev Event) error {
	key := ev.key()
	now := d.now()
	if last, ok := d.seen.Get(key); ok && now.Sub(last) < d.window {
		return nil
	}
	d.seen.Add(key, now)
	return d.next.Notify(ctx, ev)
}

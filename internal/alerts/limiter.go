package alerts

import (
	"context"
	"sync"
	"time"
)

type Sender interface {
	Send(ctx context.Context, message string) error
}

// Limited wraps a Sender and suppresses repeat alerts for the same key
// within the cooldown window. SLA breach alerts fire every cycle otherwise.
type Limited struct {
	sender   Sender
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewLimited(sender Sender, cooldown time.Duration) *Limited {
	return &Limited{
		sender:   sender,
		cooldown: cooldown,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Send delivers the alert unless one with the same key was delivered within
// the cooldown. Suppression is not an error.
func (l *Limited) Send(ctx context.Context, key, message string) error {
	if l.sender == nil {
		return nil
	}
	now := l.now()
	l.mu.Lock()
	last, ok := l.lastSent[key]
	if ok && l.cooldown > 0 && now.Sub(last) < l.cooldown {
		l.mu.Unlock()
		return nil
	}
	l.lastSent[key] = now
	l.mu.Unlock()
	return l.sender.Send(ctx, message)
}

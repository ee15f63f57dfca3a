package authz

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fact is a notification about a committed authorization write. Facts feed
// the audit collaborator and cross-instance cache invalidation, delivered
// at least once.
type Fact interface {
	Kind() string
	OccurredAt() time.Time
}

// PermissionGranted records a new active ACE.
type PermissionGranted struct {
	Subject      Subject
	PermissionID string
	ACEID        uuid.UUID
	Actor        string
	At           time.Time
}

// PermissionRevoked records a revoked ACE.
type PermissionRevoked struct {
	Subject      Subject
	PermissionID string
	ACEID        uuid.UUID
	Actor        string
	At           time.Time
}

// RoleAssigned records a new active role assignment.
type RoleAssigned struct {
	UserID string
	RoleID string
	Actor  string
	At     time.Time
}

// RoleRevoked records a revoked role assignment.
type RoleRevoked struct {
	UserID string
	RoleID string
	Actor  string
	At     time.Time
}

// Fact kinds, stable identifiers used in audit rows and task payloads.
const (
	FactPermissionGranted = "permission.granted"
	FactPermissionRevoked = "permission.revoked"
	FactRoleAssigned      = "role.assigned"
	FactRoleRevoked       = "role.revoked"
)

func (f PermissionGranted) Kind() string          { return FactPermissionGranted }
func (f PermissionGranted) OccurredAt() time.Time { return f.At }
func (f PermissionRevoked) Kind() string          { return FactPermissionRevoked }
func (f PermissionRevoked) OccurredAt() time.Time { return f.At }
func (f RoleAssigned) Kind() string               { return FactRoleAssigned }
func (f RoleAssigned) OccurredAt() time.Time      { return f.At }
func (f RoleRevoked) Kind() string                { return FactRoleRevoked }
func (f RoleRevoked) OccurredAt() time.Time       { return f.At }

// Subscriber consumes published facts. Implementations must not block; slow
// consumers should hand off to their own queues.
type Subscriber interface {
	Notify(ctx context.Context, fact Fact)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, fact Fact)

// Notify implements Subscriber.
func (f SubscriberFunc) Notify(ctx context.Context, fact Fact) { f(ctx, fact) }

// Channel is an explicit subscriber registry with buffered asynchronous
// dispatch. It is constructed at service start and closed at shutdown,
// never an ambient global.
type Channel struct {
	mu     sync.RWMutex
	subs   []Subscriber
	queue  chan Fact
	closed bool
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewChannel creates a channel with the given dispatch buffer size.
func NewChannel(buffer int, logger *slog.Logger) *Channel {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		queue:  make(chan Fact, buffer),
		logger: logger,
	}
	c.wg.Add(1)
	go c.dispatch()
	return c
}

// Subscribe registers a subscriber for all future facts.
func (c *Channel) Subscribe(sub Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, sub)
}

// Publish enqueues a fact for delivery. Publishing never blocks the writer:
// when the buffer is full the fact is delivered inline on the caller's
// goroutine, trading latency for the at-least-once guarantee. The read lock
// is held across the enqueue so Close cannot close the queue under a send.
func (c *Channel) Publish(ctx context.Context, fact Fact) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	var inline bool
	select {
	case c.queue <- fact:
	default:
		inline = true
	}
	c.mu.RUnlock()
	if inline {
		c.deliver(ctx, fact)
	}
}

// Close stops dispatch after draining queued facts. Closing twice or
// publishing after Close are no-ops.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Channel) dispatch() {
	defer c.wg.Done()
	for fact := range c.queue {
		c.deliver(context.Background(), fact)
	}
}

func (c *Channel) deliver(ctx context.Context, fact Fact) {
	c.mu.RLock()
	subs := make([]Subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()
	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("event subscriber panic",
						slog.String("fact", fact.Kind()),
						slog.Any("panic", r))
				}
			}()
			sub.Notify(ctx, fact)
		}()
	}
}

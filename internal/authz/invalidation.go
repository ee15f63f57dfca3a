package authz

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const bumpChannel = "authz.bump"

// Coherence propagates generation bumps between service instances over
// Redis pub/sub. A write on one instance records the new subject version
// locally, then broadcasts it; every other instance folds the bump into its
// own version registry so stamped cache entries self-invalidate on the next
// read. Hierarchy edits broadcast a reload signal instead, since closure
// state lives in process.
type Coherence struct {
	client          *redis.Client
	registry        *VersionRegistry
	logger          *slog.Logger
	onHierarchyBump func(ctx context.Context)
}

// NewCoherence wires the coherence channel. A nil client degrades to
// process-local invalidation only.
func NewCoherence(client *redis.Client, registry *VersionRegistry, logger *slog.Logger, onHierarchyBump func(ctx context.Context)) *Coherence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coherence{
		client:          client,
		registry:        registry,
		logger:          logger,
		onHierarchyBump: onHierarchyBump,
	}
}

// Registry returns the version registry the coherence layer records into.
func (c *Coherence) Registry() *VersionRegistry { return c.registry }

// BumpSubject records the subject version locally and broadcasts it.
func (c *Coherence) BumpSubject(ctx context.Context, subject Subject, version int64) {
	c.registry.Record(subject, version)
	if c.client == nil {
		return
	}
	payload := strings.Join([]string{"subject", string(subject.Kind), subject.ID, strconv.FormatInt(version, 10)}, "|")
	if err := c.client.Publish(ctx, bumpChannel, payload).Err(); err != nil {
		c.logger.Warn("publish subject bump", slog.Any("error", err))
	}
}

// BumpHierarchy broadcasts a hierarchy reload signal.
func (c *Coherence) BumpHierarchy(ctx context.Context) {
	if c.client == nil {
		return
	}
	if err := c.client.Publish(ctx, bumpChannel, "hierarchy").Err(); err != nil {
		c.logger.Warn("publish hierarchy bump", slog.Any("error", err))
	}
}

// Listen subscribes to bump notifications until the context is canceled.
func (c *Coherence) Listen(ctx context.Context) {
	if c.client == nil {
		return
	}
	pubsub := c.client.Subscribe(ctx, bumpChannel)
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.handle(ctx, msg.Payload)
			}
		}
	}()
}

func (c *Coherence) handle(ctx context.Context, payload string) {
	if payload == "hierarchy" {
		if c.onHierarchyBump != nil {
			c.onHierarchyBump(ctx)
		}
		return
	}
	parts := strings.Split(payload, "|")
	if len(parts) != 4 || parts[0] != "subject" {
		c.logger.Warn("unrecognized bump payload", slog.String("payload", payload))
		return
	}
	version, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		c.logger.Warn("parse bump version", slog.Any("error", err))
		return
	}
	c.registry.Record(Subject{Kind: SubjectKind(parts[1]), ID: parts[2]}, version)
}

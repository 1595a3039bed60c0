// Package replicated wraps a durable repo.Guidelines (typically
// engine/repo/mongo) with a process-local cache that is invalidated via
// Redis pub/sub, so multiple engine nodes serving the same agent do not
// each hammer the backing store on every turn while still observing writes
// made by other nodes (or by a registry/admin process) promptly.
//
// Grounded on features/stream/pulse/clients/pulse.Client's pattern of a
// thin wrapper around a caller-supplied *redis.Client exposing only the
// operations needed, adapted here from Pulse streams to a plain Redis
// pub/sub invalidation channel.
package replicated

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"goa.design/goa-ai/engine/repo"
	"goa.design/goa-ai/engine/telemetry"
)

// invalidationMessage is published on the channel whenever a guideline set
// changes upstream; AgentID "" means "invalidate everything".
type invalidationMessage struct {
	AgentID string `json:"agent_id"`
}

// Guidelines wraps a durable repo.Guidelines with an in-memory cache per
// agent, invalidated by Redis pub/sub messages on channel.
type Guidelines struct {
	backing repo.Guidelines
	redis   *redis.Client
	channel string
	logger  telemetry.Logger

	mu    sync.RWMutex
	cache map[string][]repo.Guideline

	cancel context.CancelFunc
}

// NewGuidelines constructs a replicated.Guidelines caching reads against
// backing and subscribing to channel for invalidation. Callers must call
// Close to stop the subscription goroutine.
func NewGuidelines(ctx context.Context, backing repo.Guidelines, redisClient *redis.Client, channel string, logger telemetry.Logger) (*Guidelines, error) {
	if backing == nil {
		return nil, fmt.Errorf("replicated: backing repo.Guidelines is required")
	}
	if redisClient == nil {
		return nil, fmt.Errorf("replicated: redis client is required")
	}
	if logger == nil {
		logger, _, _ = telemetry.NewNoop()
	}

	subCtx, cancel := context.WithCancel(ctx)
	g := &Guidelines{
		backing: backing,
		redis:   redisClient,
		channel: channel,
		logger:  logger,
		cache:   make(map[string][]repo.Guideline),
		cancel:  cancel,
	}
	go g.watchInvalidations(subCtx)
	return g, nil
}

// ListByAgent implements repo.Guidelines, serving from cache when populated.
func (g *Guidelines) ListByAgent(ctx context.Context, agentID string) ([]repo.Guideline, error) {
	g.mu.RLock()
	cached, ok := g.cache[agentID]
	g.mu.RUnlock()
	if ok {
		return cached, nil
	}

	fresh, err := g.backing.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.cache[agentID] = fresh
	g.mu.Unlock()
	return fresh, nil
}

// Get implements repo.Guidelines by delegating directly; single-guideline
// lookups are not cached since the Guideline Proposer always reads whole
// agent sets (spec.md §4.3 contract).
func (g *Guidelines) Get(ctx context.Context, guidelineID string) (repo.Guideline, error) {
	return g.backing.Get(ctx, guidelineID)
}

// Invalidate publishes an invalidation message for agentID (or every cached
// agent when agentID is empty), for callers that mutate guidelines directly
// through this process rather than through a separate writer.
func (g *Guidelines) Invalidate(ctx context.Context, agentID string) error {
	payload, err := json.Marshal(invalidationMessage{AgentID: agentID})
	if err != nil {
		return fmt.Errorf("replicated: marshal invalidation: %w", err)
	}
	return g.redis.Publish(ctx, g.channel, payload).Err()
}

// Close stops the background subscription goroutine.
func (g *Guidelines) Close() {
	g.cancel()
}

func (g *Guidelines) watchInvalidations(ctx context.Context) {
	sub := g.redis.Subscribe(ctx, g.channel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var inv invalidationMessage
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				g.logger.Warn(ctx, "replicated: discarding malformed invalidation message", "error", err)
				continue
			}
			g.mu.Lock()
			if inv.AgentID == "" {
				g.cache = make(map[string][]repo.Guideline)
			} else {
				delete(g.cache, inv.AgentID)
			}
			g.mu.Unlock()
		}
	}
}

// ABOUTME: Periodic fleet health broadcast over a redis pub/sub channel
// ABOUTME: Publishing is best effort; a down broker drops the message and the loop continues

package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/fleet-warden/internal/config"
	"github.com/2389/fleet-warden/internal/registry"
	"github.com/2389/fleet-warden/internal/store"
)

// Component identifies this controller in broadcast payloads.
const Component = "fleet-warden"

// Overall fleet health values carried in the broadcast.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Publisher delivers one payload to a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// RedisPublisher publishes over redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(addr string) *RedisPublisher {
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %q: %w", channel, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// ResourceSource exposes the latest host resource snapshot, if any.
type ResourceSource interface {
	Latest() (*store.ResourceSnapshot, bool)
}

// Message is the health summary published on every broadcast tick.
type Message struct {
	Component string    `json:"component"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Metrics   Metrics   `json:"metrics"`
}

// Metrics carries the fleet counts plus host usage. Subscribers read the
// counts as metrics.agent_count, metrics.online_count and so on; the host
// percents are zero when no sample exists yet.
type Metrics struct {
	registry.Counts
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// Broadcaster periodically publishes the fleet health summary.
type Broadcaster struct {
	registry  *registry.Registry
	resources ResourceSource
	publisher Publisher
	channel   string
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg config.BroadcastConfig, reg *registry.Registry, res ResourceSource, pub Publisher, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		registry:  reg,
		resources: res,
		publisher: pub,
		channel:   cfg.Channel,
		interval:  cfg.Interval,
		logger:    logger.With("component", "broadcast"),
		now:       time.Now,
	}
}

// Run publishes on the configured interval until the context is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	b.logger.Info("health broadcast started", "channel", b.channel, "interval", b.interval)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("health broadcast stopped")
			return
		case <-ticker.C:
			b.PublishOnce(ctx)
		}
	}
}

// PublishOnce builds and publishes one health message. Failures are logged
// and dropped: the broadcast is advisory and must never stall the controller.
func (b *Broadcaster) PublishOnce(ctx context.Context) {
	msg := b.buildMessage()
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("encoding broadcast failed", "error", err)
		return
	}
	if err := b.publisher.Publish(ctx, b.channel, payload); err != nil {
		b.logger.Debug("broadcast dropped", "error", err)
	}
}

func (b *Broadcaster) buildMessage() Message {
	counts := b.registry.Counts()

	msg := Message{
		Component: Component,
		Status:    overallStatus(counts),
		Timestamp: b.now().UTC(),
		Metrics:   Metrics{Counts: counts},
	}
	if snap, ok := b.resources.Latest(); ok {
		msg.Metrics.CPUPercent = snap.CPUPercent
		msg.Metrics.MemoryPercent = snap.MemoryPercent
		msg.Metrics.DiskPercent = snap.DiskPercent
	}
	return msg
}

// overallStatus folds the fleet counts into a single health value. Any
// offline critical agent makes the fleet unhealthy; any other offline or
// degraded agent makes it degraded.
func overallStatus(c registry.Counts) string {
	switch {
	case c.CriticalOffline > 0:
		return StatusUnhealthy
	case c.Offline > 0 || c.Degraded > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

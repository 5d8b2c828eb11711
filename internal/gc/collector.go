// Package gc implements the periodic sweep of spec.md §4.7: completed and
// persisted chats are removed from the registry, and expired-but-unpersisted
// chats are flagged as zombies for the Persister to pick up.
package gc

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/chatmodel"
)

// DefaultInterval and DefaultThrottle are spec.md §6's default sweep
// cadence and per-chat throttle.
const (
	DefaultInterval = 60 * time.Second
	DefaultThrottle = 100 * time.Millisecond
)

// ZombieObserver is notified for every chat found expired-but-unpersisted.
// The Dispatcher is the only observer in practice: it checks whether this
// node is the chat's primary before calling Persister.Persist.
type ZombieObserver func(chat *chatmodel.Chat)

type Collector struct {
	manager   *chatmodel.ChatManager
	interval  time.Duration
	throttle  time.Duration
	limiter   *rate.Limiter
	logger    zerolog.Logger
	observers []ZombieObserver
}

func New(manager *chatmodel.ChatManager, interval, throttle time.Duration, logger zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	return &Collector{
		manager:  manager,
		interval: interval,
		throttle: throttle,
		limiter:  rate.NewLimiter(rate.Every(throttle), 1),
		logger:   logger.With().Str("component", "gc").Logger(),
	}
}

// Subscribe registers obs to receive ZombieChat events.
func (c *Collector) Subscribe(obs ZombieObserver) {
	c.observers = append(c.observers, obs)
}

// SetOverloaded widens or restores the per-chat sweep throttle in response
// to host resource pressure (fed by resource.Sampler.Overloaded). Widening
// under load trades sweep latency for CPU headroom rather than piling more
// work onto an already-overloaded node.
func (c *Collector) SetOverloaded(overloaded bool) {
	if overloaded {
		c.limiter.SetLimit(rate.Every(c.throttle * 4))
	} else {
		c.limiter.SetLimit(rate.Every(c.throttle))
	}
}

// Run executes the sweep loop until ctx is cancelled. The stop signal is
// observed at the top of each iteration; in-flight work completes
// (spec.md §5).
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Collector) sweep(ctx context.Context) {
	for token, chat := range c.manager.All() {
		if ctx.Err() != nil {
			return
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		c.sweepOne(token, chat)
	}
}

func (c *Collector) sweepOne(token string, chat *chatmodel.Chat) {
	if chat.Completed() && chat.Persisted() {
		c.manager.Remove(token)
		c.logger.Debug().Str("token", token).Msg("removed completed, persisted chat")
		return
	}
	if chat.Expired() && !chat.Persisted() {
		c.logger.Info().Str("token", token).Msg("chat flagged as zombie")
		for _, obs := range c.observers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Error().Interface("panic", r).Msg("zombie observer panicked")
					}
				}()
				obs(chat)
			}()
		}
	}
}

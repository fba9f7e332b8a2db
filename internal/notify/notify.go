// Package notify fans pipeline stage changes out to subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "copilot.pipeline"

type StageChange struct {
	AccountID   int64   `json:"account_id"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Trigger     string  `json:"trigger"`
	Probability float64 `json:"probability"`
	ActorID     string  `json:"actor_id"`
	TS          string  `json:"ts"`
}

type Notifier interface {
	Publish(ctx context.Context, change StageChange) error
	Close() error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Publish(context.Context, StageChange) error { return nil }
func (Nop) Close() error                               { return nil }

type Redis struct {
	rdb     *redis.Client
	channel string
	log     *zap.Logger
}

// NewRedis connects to addr and pings it before returning.
func NewRedis(ctx context.Context, addr, channel string, log *zap.Logger) (*Redis, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 5 * time.Second})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, channel: channel, log: log.With(zap.String("component", "notify"))}, nil
}

func (r *Redis) Publish(ctx context.Context, change StageChange) error {
	raw, err := Encode(change)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, raw).Err()
}

// Subscribe delivers stage changes to fn until ctx is done.
func (r *Redis) Subscribe(ctx context.Context, fn func(StageChange)) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok || m == nil {
				return nil
			}
			change, err := Decode([]byte(m.Payload))
			if err != nil {
				r.log.Warn("bad stage change payload", zap.Error(err))
				continue
			}
			fn(change)
		}
	}
}

func (r *Redis) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}

func Encode(change StageChange) ([]byte, error) {
	return json.Marshal(change)
}

func Decode(raw []byte) (StageChange, error) {
	var c StageChange
	if err := json.Unmarshal(raw, &c); err != nil {
		return StageChange{}, err
	}
	if c.AccountID == 0 || c.To == "" {
		return StageChange{}, fmt.Errorf("incomplete stage change")
	}
	return c, nil
}

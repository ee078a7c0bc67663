package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Suphian/suphian.com-sub001/internal/config"
)

const (
	MaxEventNameLength = 64
	MaxPayloadKeys     = 50
)

var ErrInvalidEvent = errors.New("invalid event")

type Validator struct {
	redis *redis.Client
	cfg   config.RateLimitConfig
}

func NewValidator(cfg *config.Config) *Validator {
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	return newValidator(rdb, cfg.RateLimit)
}

func newValidator(rdb *redis.Client, cfg config.RateLimitConfig) *Validator {
	return &Validator{
		redis: rdb,
		cfg:   cfg,
	}
}

// CheckRateLimit allows RequestsPerSecond calls per session in a fixed
// one-second window.
func (v *Validator) CheckRateLimit(ctx context.Context, sessionID string) bool {
	if v.redis == nil || v.cfg.RequestsPerSecond <= 0 {
		return true
	}
	key := "ratelimit:" + sessionID

	// Increment counter
	count, err := v.redis.Incr(ctx, key).Result()
	if err != nil {
		return true // Allow on error
	}

	// Set expiry on first request
	if count == 1 {
		v.redis.Expire(ctx, key, time.Second)
	}

	return count <= int64(v.cfg.RequestsPerSecond)
}

// ValidateEvent rejects events no analytics backend would accept. The payload
// content itself is passed through untouched.
func (v *Validator) ValidateEvent(eventName string, eventData map[string]interface{}) error {
	if eventName == "" {
		return fmt.Errorf("%w: event name is required", ErrInvalidEvent)
	}
	if len(eventName) > MaxEventNameLength {
		return fmt.Errorf("%w: event name longer than %d characters", ErrInvalidEvent, MaxEventNameLength)
	}
	if len(eventData) > MaxPayloadKeys {
		return fmt.Errorf("%w: more than %d payload fields", ErrInvalidEvent, MaxPayloadKeys)
	}
	return nil
}

func (v *Validator) Close() {
	if v.redis != nil {
		v.redis.Close()
	}
}

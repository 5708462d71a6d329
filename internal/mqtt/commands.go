package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nugget/vigil/internal/trigger"
)

// Commander accepts the manual trigger. *trigger.Command satisfies it.
type Commander interface {
	Set(ctx context.Context, value bool, origin string) (bool, error)
}

// parseCommand maps a command payload to a trigger value. Buttons send
// PRESS; switches and scripts tend to send ON, true or 1.
func parseCommand(payload []byte) (value, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "PRESS", "ON", "TRUE", "1":
		return true, true
	case "OFF", "FALSE", "0":
		return false, true
	}
	return false, false
}

// commandHandler applies trigger commands received on the command
// topic, dropping floods beyond the limiter.
type commandHandler struct {
	cmd     Commander
	limiter *messageRateLimiter
	logger  *slog.Logger
}

func (h *commandHandler) handle(ctx context.Context, topic string, payload []byte) {
	if !h.limiter.allow() {
		return
	}
	value, ok := parseCommand(payload)
	if !ok {
		h.logger.Debug("ignoring unrecognized command payload", "topic", topic, "payload_size", len(payload))
		return
	}
	if _, err := h.cmd.Set(ctx, value, trigger.OriginMQTT); err != nil {
		h.logger.Warn("mqtt trigger command failed", "error", err)
	}
}

// messageRateLimiter allows limit messages per interval and counts the
// rest as dropped until the next reset.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{limit: limit, interval: interval, logger: logger}
}

// start resets the counter every interval until ctx is cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	if dropped := r.dropped.Swap(0); dropped > 0 {
		r.logger.Warn("mqtt commands dropped due to rate limit",
			"received", count, "dropped", dropped, "interval", r.interval.String(), "limit", r.limit)
	}
}

func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}

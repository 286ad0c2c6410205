package queue

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/apphub-core/platform/internal/config"
)

// New selects the execution mode: "inline" requires config.Queue.AllowInline,
// anything else dials Redis for distributed mode.
func New(ctx context.Context, cfg config.Queue, log *logrus.Entry) (Queue, error) {
	if cfg.RedisURL == "" || cfg.RedisURL == "inline" {
		if !cfg.AllowInline {
			return nil, fmt.Errorf("inline queue mode requires APPHUB_ALLOW_INLINE_MODE=true")
		}
		return NewInlineQueue(log), nil
	}
	return NewRedisQueue(ctx, RedisConfig{URL: cfg.RedisURL}, log)
}

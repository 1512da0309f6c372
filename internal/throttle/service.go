package throttle

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pulse-server/internal/clients/redis"
	"pulse-server/internal/observability"
)

// Service handles per (account, IP) rate limiting for the serving tier.
// Limiter failures never reject a request: the tag runs on customer pages
// and a redis outage must not take surveys down with it.
type Service struct {
	redis  *redis.Client
	logger *observability.Logger
}

// NewService creates a new throttle service
func NewService(redisClient *redis.Client, logger *observability.Logger) *Service {
	return &Service{
		redis:  redisClient,
		logger: logger,
	}
}

// Allow checks the account's requests-per-minute budget for the requester
// IP using a redis sliding window. A limit of zero disables limiting.
// Errors fail open.
func (s *Service) Allow(ctx context.Context, accountIdentifier, ip string, limitRPM int) bool {
	if limitRPM <= 0 || s.redis == nil || s.redis.GetClient() == nil {
		return true
	}

	key := fmt.Sprintf("rl:%s:%s", accountIdentifier, ip)
	now := time.Now()
	windowStart := now.Add(-1 * time.Minute)

	client := s.redis.GetClient()
	pipe := client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixMilli()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, goredis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn(ctx, "rate limit check failed, allowing request",
			observability.Field{Key: "error", Value: err.Error()},
			observability.Field{Key: "account", Value: accountIdentifier},
		)
		return true
	}

	if int(countCmd.Val()) >= limitRPM {
		s.logger.Warn(ctx, "rate limit exceeded",
			observability.Field{Key: "account", Value: accountIdentifier},
			observability.Field{Key: "ip", Value: ip},
			observability.Field{Key: "limit_rpm", Value: limitRPM},
		)
		return false
	}
	return true
}

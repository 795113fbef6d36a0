package router

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// limiterDatabase keeps limiter counters out of the cache database.
const limiterDatabase = 1

// LimitConfig is a fixed window per client IP.
type LimitConfig struct {
	Max    int
	Window time.Duration
}

// LimitFromEnv reads <prefix>_RATE_LIMIT and <prefix>_RATE_WINDOW_MS.
func LimitFromEnv(prefix string, def LimitConfig) LimitConfig {
	return LimitConfig{
		Max:    env.GetEnvInt(prefix+"_RATE_LIMIT", def.Max),
		Window: env.GetEnvMillis(prefix+"_RATE_WINDOW_MS", def.Window),
	}
}

// NewLimiterStorage puts limiter counters next to the cache, on their own
// database. It returns nil when Redis does not answer so the limiter falls
// back to process memory.
func NewLimiterStorage(cacheClient *goredis.Client) fiber.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient != nil {
		if err := cacheClient.Ping(context.Background()).Err(); err != nil {
			log.Warnf("[Router] Redis unavailable, rate limits are per process: %v", err)
			return nil
		}
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		// Prefer password from the underlying client if present
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: limiterDatabase,
		Reset:    false,
	})
}

func newLimiter(cfg LimitConfig, storage fiber.Storage) fiber.Handler {
	if cfg.Max <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return limiter.New(limiter.Config{
		Max:          cfg.Max,
		Expiration:   cfg.Window,
		KeyGenerator: controllers.GetClientIP,
		Storage:      storage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests",
			})
		},
	})
}

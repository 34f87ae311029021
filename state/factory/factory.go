package factory

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/PipeOpsHQ/course-builder-go/internal/config"
	"github.com/PipeOpsHQ/course-builder-go/state"
	"github.com/PipeOpsHQ/course-builder-go/state/hybrid"
	"github.com/PipeOpsHQ/course-builder-go/state/memory"
	redisstore "github.com/PipeOpsHQ/course-builder-go/state/redis"
	sqlitestore "github.com/PipeOpsHQ/course-builder-go/state/sqlite"
)

func FromEnv(ctx context.Context) (state.Store, error) {
	return Open(ctx, config.FromEnv())
}

// Open builds the store selected by settings.StateBackend: memory, sqlite,
// redis or hybrid (sqlite durable, redis cache). Hybrid degrades to
// sqlite alone when redis is unreachable.
func Open(ctx context.Context, settings config.Settings) (state.Store, error) {
	_ = ctx

	backend := strings.ToLower(strings.TrimSpace(settings.StateBackend))
	switch backend {
	case "memory":
		return memory.New(), nil

	case "", "sqlite":
		return sqlitestore.New(settings.SQLitePath)

	case "redis":
		return newRedisStore(settings)

	case "hybrid":
		durable, err := sqlitestore.New(settings.SQLitePath)
		if err != nil {
			return nil, err
		}
		cache, err := newRedisStore(settings)
		if err != nil {
			log.Printf("[state] redis cache unavailable, using sqlite only: %v", err)
			return hybrid.New(durable, nil)
		}
		return hybrid.New(durable, cache)

	default:
		return nil, fmt.Errorf("unsupported %sSTATE_BACKEND %q (use memory, sqlite, redis, or hybrid)", config.EnvPrefix, backend)
	}
}

func newRedisStore(settings config.Settings) (state.Store, error) {
	return redisstore.New(settings.RedisAddr,
		redisstore.WithPassword(settings.RedisPassword),
		redisstore.WithDB(settings.RedisDB),
		redisstore.WithTTL(settings.RedisTTL),
	)
}

// Package health 基于 heptiolabs/healthcheck 暴露存活与就绪探针。
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"postbox/backend/internal/storage"
)

// Checker 健康检查器
type Checker struct {
	handler healthcheck.Handler
	log     *zap.Logger
}

// NewChecker 创建健康检查器。rdb 可为 nil（未启用 Redis）。
func NewChecker(store storage.Store, rdb *goredis.Client, log *zap.Logger) *Checker {
	c := &Checker{
		handler: healthcheck.NewHandler(),
		log:     log,
	}

	c.handler.AddReadinessCheck("storage", func() error {
		return store.Health()
	})

	if rdb != nil {
		c.handler.AddReadinessCheck("redis", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return rdb.Ping(ctx).Err()
		})
	}

	c.handler.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(2048))

	return c
}

// LiveEndpoint 存活探针处理器。
func (c *Checker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	c.handler.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪探针处理器。
func (c *Checker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	c.handler.ReadyEndpoint(w, r)
}

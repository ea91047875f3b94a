// internal/api/middleware.go
package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cinescript/cinescript/internal/utils"
)

// RateLimiter 基于固定窗口的简易限流器
type RateLimiter struct {
	visitors map[string]*visitorBucket
	mu       sync.Mutex
}

type visitorBucket struct {
	limit     int
	remaining int
	reset     time.Time
}

// NewRateLimiter 创建限流器并启动过期清理
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitorBucket),
	}
	go rl.cleanup()
	return rl
}

// cleanup 定期移除窗口已过期的访问者
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, visitor := range rl.visitors {
			if now.After(visitor.reset) {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Allow 判断本次请求是否放行，并返回窗口剩余额度和重置时间
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) (bool, int, int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	visitor, exists := rl.visitors[key]

	if !exists || now.After(visitor.reset) {
		visitor = &visitorBucket{
			limit:     limit,
			remaining: limit - 1,
			reset:     now.Add(window),
		}
		rl.visitors[key] = visitor
		return true, visitor.remaining, visitor.reset.Unix()
	}

	if visitor.remaining <= 0 {
		return false, 0, visitor.reset.Unix()
	}

	visitor.remaining--
	return true, visitor.remaining, visitor.reset.Unix()
}

// 全局限流器实例
var rateLimiter = NewRateLimiter()

// RateLimitMiddleware 按客户端IP限流
func RateLimitMiddleware(name string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := name + ":" + c.ClientIP()

		allowed, remaining, reset := rateLimiter.Allow(key, limit, window)
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", reset))

		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success":   false,
				"error":     "请求过于频繁，请稍后再试",
				"code":      ErrorRateLimited,
				"timestamp": time.Now().Format(time.RFC3339),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// GenerateRateLimit 剧本生成接口的限流，生成开销大所以额度低
func GenerateRateLimit() gin.HandlerFunc {
	return RateLimitMiddleware("generate", 10, time.Minute)
}

// ImageRateLimit 图像相关接口的限流
func ImageRateLimit() gin.HandlerFunc {
	return RateLimitMiddleware("image", 30, time.Minute)
}

// DefaultRateLimit 其余API的通用限流
func DefaultRateLimit() gin.HandlerFunc {
	return RateLimitMiddleware("default", 120, time.Minute)
}

// MetricsMiddleware 按路由模板记录请求计数和耗时
func MetricsMiddleware() gin.HandlerFunc {
	apiMetrics := utils.NewAPIMetrics()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// 统计使用路由模板而非原始路径，避免按场景ID无限展开
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		apiMetrics.RecordAPIRequest(path, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// RequestIDMiddleware 为每个请求生成唯一ID，写入上下文和响应头
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

package monitoring

import (
	"context"
	"time"

	"streamguard/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck adds a session repository health check
func (h *HealthChecker) AddRepositoryCheck(repo ports.SessionRepository, interval, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) (bool, error) {
		if _, err := repo.ListActive(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddCaptureCheck verifies the capture backend can still enumerate devices.
// An empty device list is reported unhealthy: no session could start.
func (h *HealthChecker) AddCaptureCheck(capture ports.CaptureAPI, interval, timeout time.Duration) {
	h.AddCheck("capture", func(ctx context.Context) (bool, error) {
		devices, err := capture.EnumerateDevices(ctx)
		if err != nil {
			return false, err
		}
		return len(devices) > 0, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == statusHealthy
}

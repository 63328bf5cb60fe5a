package pending

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"FlowSend-Chain/internal/observability/metrics"
	"FlowSend-Chain/pkg/logger"
)

// DefaultSweepSchedule 是过期清理的默认周期。
const DefaultSweepSchedule = "@every 1m"

// ScheduleSweep 在 cron 上注册过期请求清理任务。
func ScheduleSweep(c *cron.Cron, store Store, schedule string) (cron.EntryID, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	log := logger.Named("pending")
	return c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		removed, err := store.Sweep(ctx)
		if err != nil {
			log.Warn("清理过期请求失败", slog.Any("error", err))
			return
		}
		if removed > 0 {
			metrics.ObservePendingSwept(removed)
			log.Debug("已清理过期请求", slog.Int("removed", removed))
		}
	})
}

package request

import (
	"context"
	"log/slog"
	"time"

	"FeatureScope/pkg/logger"
)

// RunJanitor 周期性删除超过保留期的请求，直到 ctx 结束。
func RunJanitor(ctx context.Context, store Store, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			SweepOnce(ctx, store, now.Add(-retention))
		}
	}
}

// SweepOnce 执行一次淘汰并记录日志。
func SweepOnce(ctx context.Context, store Store, before time.Time) int {
	removed, err := store.Evict(ctx, before)
	if err != nil {
		logger.L().Error("清理过期请求失败", slog.Any("error", err))
		return 0
	}
	if removed > 0 {
		logger.L().Info("已清理过期请求", slog.Int("removed", removed), slog.Time("before", before))
	}
	return removed
}

package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/img-hub/img-hub/internal/imagecache"
)

// StatsProvider 描述诊断接口需要的最小协调器视图。
type StatsProvider interface {
	Stats() imagecache.Snapshot
}

// RegisterStatsRoutes 暴露 /-/stats 诊断接口，供 SRE 查询内存层瞬时状态。
// 条目均为瞬态，InFlight 长期大于零通常意味着上游抓取卡死。
func RegisterStatsRoutes(app *fiber.App, provider StatsProvider, storagePath string) {
	if app == nil || provider == nil {
		return
	}

	app.Get("/-/stats", func(c fiber.Ctx) error {
		snap := provider.Stats()
		return c.JSON(fiber.Map{
			"in_flight":    snap.InFlight,
			"resident":     snap.Resident,
			"storage_path": storagePath,
		})
	})
}

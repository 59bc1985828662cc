package database

import (
	"fmt"
	"log/slog"
	"sort"

	"cpc-service/service/database/views"

	"gorm.io/gorm"
)

// AutoMigrateView 重建视图，语句同时兼容PostgreSQL和SQLite
func AutoMigrateView(db *gorm.DB) error {
	names := make([]string, 0, len(views.ControllerViews))
	for name := range views.ControllerViews {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := db.Exec(fmt.Sprintf("DROP VIEW IF EXISTS %s", name)).Error; err != nil {
			return fmt.Errorf("删除视图 %s 失败: %w", name, err)
		}
		if err := db.Exec(fmt.Sprintf("CREATE VIEW %s AS %s", name, views.ControllerViews[name])).Error; err != nil {
			return fmt.Errorf("创建视图 %s 失败: %w", name, err)
		}
		slog.Info("成功创建视图", "view", name)
	}
	return nil
}

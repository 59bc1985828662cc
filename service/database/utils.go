package database

import (
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

// CheckSchemaExists 检查PostgreSQL schema是否存在
func CheckSchemaExists(db *gorm.DB, schemaName string) (bool, error) {
	var count int64
	err := db.Raw("SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = ?", schemaName).Scan(&count).Error
	if err != nil {
		return false, fmt.Errorf("查询 schema %s 失败: %w", schemaName, err)
	}
	return count > 0, nil
}

// EnsureSchema 迁移前创建控制器表所在的schema，SQLite和public schema直接跳过
func EnsureSchema(db *gorm.DB, schemaName string) error {
	if db.Dialector.Name() != "postgres" || schemaName == "" || schemaName == "public" {
		return nil
	}

	exists, err := CheckSchemaExists(db, schemaName)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	// 使用双引号避免保留关键字问题
	if err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", schemaName)).Error; err != nil {
		return fmt.Errorf("创建 schema %s 失败: %w", schemaName, err)
	}
	slog.Info("成功创建 schema", "schema", schemaName)
	return nil
}

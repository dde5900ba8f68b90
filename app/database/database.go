package database

import (
	"auto-upload/app/config"
	"auto-upload/app/logger"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB 全局数据库实例
var DB *gorm.DB

// Init 初始化数据库连接
func Init(cfg *config.Config, log *logger.Logger) error {
	db, err := Open(cfg.Database)
	if err != nil {
		log.Errorf("连接数据库失败: %v", err)
		return err
	}

	DB = db
	log.Infof("数据库连接成功: driver=%s", cfg.Database.Driver)

	// 自动迁移表结构
	if err := AutoMigrate(db); err != nil {
		log.Errorf("数据库迁移失败: %v", err)
		return err
	}

	return nil
}

// Open 按配置打开数据库连接，不修改全局实例
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}

	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	case "sqlite", "":
		// 确保数据库文件目录存在
		if err := ensureDir(filepath.Dir(cfg.DSN)); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
		dsn := cfg.DSN
		if !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000&_journal_mode=WAL"
		}
		db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, err
		}
		// sqlite 单写者，串行化连接避免 database is locked
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}
}

// Close 关闭数据库连接
func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// GetDB 获取数据库实例
func GetDB() *gorm.DB {
	return DB
}

// ensureDir 确保目录存在
func ensureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

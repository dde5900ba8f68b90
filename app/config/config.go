package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Google    GoogleConfig    `mapstructure:"google"`
	YouTube   YouTubeConfig   `mapstructure:"youtube"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite 或 postgres
	DSN    string `mapstructure:"dsn"`
}

type StorageConfig struct {
	Driver    string   `mapstructure:"driver"` // local 或 s3
	LocalDir  string   `mapstructure:"local_dir"`
	MaxSizeMB int64    `mapstructure:"max_size_mb"`
	S3        S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

type SchedulerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	CleanupSpec     string        `mapstructure:"cleanup_spec"`     // cron 表达式
	RetentionDays   int           `mapstructure:"retention_days"`   // 终态任务保留天数
	ReconcilePolicy string        `mapstructure:"reconcile_policy"` // fire 或 fail
}

type GoogleConfig struct {
	ClientID         string        `mapstructure:"client_id"`
	ClientSecret     string        `mapstructure:"client_secret"`
	RedirectURI      string        `mapstructure:"redirect_uri"`
	AuthURL          string        `mapstructure:"auth_url"`
	TokenURL         string        `mapstructure:"token_url"`
	UserInfoURL      string        `mapstructure:"userinfo_url"`
	RefreshTimeout   time.Duration `mapstructure:"refresh_timeout"`
	RefreshBeforeMin int           `mapstructure:"refresh_before_min"` // 提前多少分钟刷新令牌
	CheckSpec        string        `mapstructure:"check_spec"`         // cron 表达式
}

type YouTubeConfig struct {
	UploadURL     string        `mapstructure:"upload_url"`
	CategoryID    string        `mapstructure:"category_id"`
	PrivacyStatus string        `mapstructure:"privacy_status"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// 补偿策略
const (
	ReconcileFire = "fire"
	ReconcileFail = "fail"
)

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("无法解码配置: %v", err)
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	return &config
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "5000")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// JWT默认配置
	viper.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	viper.SetDefault("jwt.expire_time", 24*7) // 7天
	viper.SetDefault("jwt.issuer", "auto-upload")

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "data/auto-upload.db")

	viper.SetDefault("storage.driver", "local")
	viper.SetDefault("storage.local_dir", "data/videos")
	viper.SetDefault("storage.max_size_mb", 200)

	// 调度器默认配置
	viper.SetDefault("scheduler.poll_interval", "1s")
	viper.SetDefault("scheduler.max_concurrent", 2)
	viper.SetDefault("scheduler.max_attempts", 3)
	viper.SetDefault("scheduler.retry_delay", "1m")
	viper.SetDefault("scheduler.job_timeout", "30m")
	viper.SetDefault("scheduler.cleanup_spec", "@every 1h")
	viper.SetDefault("scheduler.retention_days", 7)
	viper.SetDefault("scheduler.reconcile_policy", ReconcileFire)

	viper.SetDefault("google.auth_url", "https://accounts.google.com/o/oauth2/v2/auth")
	viper.SetDefault("google.token_url", "https://oauth2.googleapis.com/token")
	viper.SetDefault("google.userinfo_url", "https://www.googleapis.com/oauth2/v2/userinfo")
	viper.SetDefault("google.refresh_timeout", "30s")
	viper.SetDefault("google.refresh_before_min", 10)
	viper.SetDefault("google.check_spec", "@every 5m")

	viper.SetDefault("youtube.upload_url", "https://www.googleapis.com/upload/youtube/v3/videos")
	viper.SetDefault("youtube.category_id", "22") // People & Blogs
	viper.SetDefault("youtube.privacy_status", "public")
	viper.SetDefault("youtube.timeout", "20m")
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	switch config.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", config.Database.Driver)
	}
	switch config.Storage.Driver {
	case "local":
	case "s3":
		if config.Storage.S3.Bucket == "" {
			return fmt.Errorf("S3 存储桶未设置")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", config.Storage.Driver)
	}
	if config.Scheduler.PollInterval <= 0 || config.Scheduler.RetryDelay <= 0 || config.Scheduler.JobTimeout <= 0 {
		return fmt.Errorf("调度器时间间隔必须为正数")
	}
	if config.Scheduler.ReconcilePolicy != ReconcileFire && config.Scheduler.ReconcilePolicy != ReconcileFail {
		return fmt.Errorf("未知的补偿策略: %s", config.Scheduler.ReconcilePolicy)
	}
	if config.Google.RefreshTimeout <= 0 || config.YouTube.Timeout <= 0 {
		return fmt.Errorf("外部调用超时必须为正数")
	}
	return nil
}

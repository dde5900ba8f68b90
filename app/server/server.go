package server

import (
	"auto-upload/app/auth"
	"auto-upload/app/config"
	"auto-upload/app/database"
	"auto-upload/app/handler"
	"auto-upload/app/logger"
	"auto-upload/app/middleware"
	"auto-upload/app/model"
	"auto-upload/app/service"
	"auto-upload/app/storage"
	"auto-upload/app/utils/youtubehelper"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server
	cron   *cron.Cron

	core       *Core
	jwtService *auth.JWTService
}

// Core 投递引擎的各组件
type Core struct {
	DB        *gorm.DB
	Storage   storage.Storage
	OAuth     *youtubehelper.OAuthClient
	YouTube   *youtubehelper.Client
	Scheduler *service.JobScheduler
	Refresher *service.TokenRefreshService
	Videos    *service.VideoService
	Users     *service.UserService
}

// NewCore 按配置组装投递引擎
func NewCore(ctx context.Context, cfg *config.Config, db *gorm.DB, log *logger.Logger) (*Core, error) {
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}

	oauth := youtubehelper.NewOAuthClient(cfg.Google)
	youtube := youtubehelper.New(cfg.YouTube)
	credentials := service.NewCredentialStore(db)
	scheduler := service.NewJobScheduler(db, cfg.Scheduler, log)
	refresher := service.NewTokenRefreshService(
		credentials,
		oauth,
		log,
		cfg.Google.RefreshTimeout,
		time.Duration(cfg.Google.RefreshBeforeMin)*time.Minute,
	)

	videos := service.NewVideoService(service.VideoServiceDeps{
		DB:              db,
		Scheduler:       scheduler,
		Credentials:     credentials,
		Refresher:       refresher,
		Uploader:        youtube,
		Storage:         store,
		Logger:          log,
		MaxFileBytes:    cfg.Storage.MaxSizeMB * 1024 * 1024,
		DeliveryTimeout: cfg.YouTube.Timeout,
		ReconcilePolicy: cfg.Scheduler.ReconcilePolicy,
	})

	return &Core{
		DB:        db,
		Storage:   store,
		OAuth:     oauth,
		YouTube:   youtube,
		Scheduler: scheduler,
		Refresher: refresher,
		Videos:    videos,
		Users:     service.NewUserService(db, log),
	}, nil
}

// Close 释放外部客户端
func (c *Core) Close() {
	_ = c.OAuth.Close()
	_ = c.YouTube.Close()
}

// New 创建一个新的 Server 实例
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	core, err := NewCore(context.Background(), cfg, database.GetDB(), log)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		Config:     cfg,
		Logger:     log,
		cron:       cron.New(),
		core:       core,
		jwtService: auth.NewJWTService(cfg),
	}

	// 设置路由
	s.setupRoutes()

	return s, nil
}

// Start 启动调度器、定时任务和 HTTP 服务
func (s *Server) Start() error {
	ctx := context.Background()

	// 先补排离线期间丢失的任务，再开始处理
	if _, err := s.core.Videos.Reconcile(ctx); err != nil {
		s.Logger.Errorf("启动补偿失败: %v", err)
	}
	if err := s.core.Scheduler.Start(s.core.Videos.OnJobFired); err != nil {
		return fmt.Errorf("启动任务调度器失败: %w", err)
	}
	if err := s.setupCron(); err != nil {
		return err
	}
	s.cron.Start()

	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)
	return s.http.ListenAndServe()
}

func (s *Server) setupCron() error {
	if _, err := s.cron.AddFunc(s.Config.Scheduler.CleanupSpec, func() {
		if _, err := s.core.Scheduler.Cleanup(context.Background()); err != nil {
			s.Logger.Errorf("清理任务失败: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("无效的清理计划 %q: %w", s.Config.Scheduler.CleanupSpec, err)
	}

	if _, err := s.cron.AddFunc(s.Config.Google.CheckSpec, func() {
		s.core.Refresher.RefreshExpiring(context.Background())
	}); err != nil {
		return fmt.Errorf("无效的令牌检查计划 %q: %w", s.Config.Google.CheckSpec, err)
	}
	return nil
}

// Shutdown 依次停止 HTTP、定时任务、调度器和数据库
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	// 等待正在执行的定时任务结束
	<-s.cron.Stop().Done()

	// 停止调度器，等待执行中的投递返回
	s.core.Scheduler.Stop()
	s.core.Close()

	// 关闭数据库连接
	if err := database.Close(); err != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", err)
	}
	return err
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	// 创建处理器实例
	authHandler := handler.NewAuthHandler(s.jwtService, s.core.OAuth, s.core.Users, s.Logger)
	videoHandler := handler.NewVideoHandler(s.core.Videos, s.Logger)

	s.gin.GET("/healthz", s.health)
	s.gin.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API路由组
	api := s.gin.Group("/api")

	// 认证相关路由（不需要JWT验证）
	authGroup := api.Group("/auth")
	{
		authGroup.GET("/google/login", authHandler.GoogleLogin)
		authGroup.POST("/google/callback", authHandler.GoogleCallback)
		authGroup.POST("/refresh", authHandler.RefreshToken)
		authGroup.POST("/logout", authHandler.Logout)
	}

	// 需要JWT验证的路由
	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(s.jwtService))
	{
		// 用户相关
		protected.GET("/me", authHandler.Me)

		videos := protected.Group("/videos")
		{
			videos.POST("", videoHandler.Create)
			videos.GET("", videoHandler.List)
			videos.GET("/pending", videoHandler.ListByStatus(model.VideoStatusPending))
			videos.GET("/success", videoHandler.ListByStatus(model.VideoStatusSuccess))
			videos.GET("/failed", videoHandler.ListByStatus(model.VideoStatusFailed))
			videos.GET("/:id", videoHandler.Get)
			videos.PUT("/:id", videoHandler.Update)
			videos.PUT("/:id/file", videoHandler.ReplaceFile)
			videos.POST("/:id/schedule", videoHandler.Schedule)
			videos.POST("/:id/trigger", videoHandler.Trigger)
		}
	}
}

// health 数据库与任务队列状态
func (s *Server) health(c *gin.Context) {
	sqlDB, err := s.core.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}

	queue, err := s.core.Scheduler.QueueStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "jobs": queue})
}

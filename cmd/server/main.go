package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/config"
	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/handlers"
	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/models"
	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/observability"
	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// 初始化追踪
	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
		shutdownOTel = func(context.Context) error { return nil }
	}

	// 构建 Postgres DSN 并连接数据库
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	if err := db.AutoMigrate(
		&models.User{}, &models.Department{}, &models.Technician{}, &models.SupportGroup{},
		&models.Template{}, &models.TemplateField{},
		&models.ApprovalLevel{}, &models.ApprovalLevelApprover{},
		&models.Request{}, &models.ApprovalRecord{}, &models.RequestHistory{},
		&models.SLADefinition{}, &models.EscalationLevel{}, &models.EscalationFire{},
		&models.BusinessCalendar{}, &models.CalendarWindow{}, &models.Holiday{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// 通知出口：配置了 webhook 就投递，否则只写日志
	var notifier services.Notifier
	if cfg.Notification.WebhookURL != "" {
		notifier = services.NewWebhookNotifier(cfg.Notification.WebhookURL, appLogger)
	} else {
		notifier = services.NewLogNotifier(appLogger)
	}

	// 初始化引擎服务
	resolverService := services.NewResolverService(db, appLogger)
	approvalService := services.NewApprovalService(db, appLogger, resolverService, notifier, nil, nil)
	assignmentService := services.NewAssignmentService(db, appLogger)
	requestService := services.NewRequestService(db, appLogger, approvalService, assignmentService, notifier, nil, nil)
	escalationService := services.NewEscalationService(db, appLogger, notifier, nil, nil)
	slaService := services.NewSLAService(db, appLogger)
	templateService := services.NewTemplateService(db, appLogger)

	// 启动升级清扫后台任务
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	sweepInterval := cfg.Escalation.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 60 * time.Second
	}
	go escalationService.StartEscalationMonitor(monitorCtx, sweepInterval)

	// 初始化 Gin
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Security.CORS.Enabled {
		r.Use(corsMiddleware())
	}
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC(), "version": "v1.0.0"})
	})

	// API 路由组
	api := r.Group("/api")
	handlers.RegisterRequestRoutes(api, handlers.NewRequestHandler(requestService, appLogger))
	handlers.RegisterApprovalRoutes(api, handlers.NewApprovalHandler(approvalService, appLogger))
	handlers.RegisterSLARoutes(api, handlers.NewSLAHandler(slaService, appLogger))
	handlers.RegisterTemplateRoutes(api, handlers.NewTemplateHandler(templateService, appLogger))

	// 启动服务器
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: r}
	go func() {
		appLogger.Infof("Starting server on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	stopMonitor()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	if err := shutdownOTel(ctx); err != nil {
		appLogger.Warnf("Failed to shutdown tracing: %v", err)
	}
	appLogger.Info("Server exited")
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

package api

import (
	"os"
	"strings"

	auditHandlers "backend/api/handlers/audit"
	loginHandlers "backend/api/handlers/login"
	auditpkg "backend/internal/audit"
	"backend/internal/auth"
	"backend/internal/config"
	"backend/internal/infra"
	"backend/internal/logger"
	middlewarepkg "backend/internal/middleware"
	"backend/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handlers 已装配的 HTTP 处理器集合
type Handlers struct {
	Audit *auditHandlers.Handler
	Login *loginHandlers.Handler
}

// AppContainer 路由注册所需的共享组件
type AppContainer struct {
	JWTService  *auth.JWTService
	RateLimiter *middlewarepkg.RateLimiter
}

// SetupRouter 设置并返回 Gin 路由和 Worker 服务器
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *worker.Server) {
	router := gin.New()

	// 统一归一化 Redis 配置，优先使用 cfg.Redis，再回退到环境变量
	redisCfg := normalizeRedisConfig(cfg.Redis)
	cfg.Redis = redisCfg

	// Redis 客户端（登录失败热路径计数、JWT 黑名单）
	var redisClient redis.UniversalClient
	if client, err := infra.InitRedis(&cfg.Redis); err != nil {
		logger.Warn("Redis 不可用，登录失败预警与令牌黑名单退回降级实现", zap.Error(err))
	} else {
		redisClient = client
	}

	// 初始化认证服务
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	jwtSecretKey := strings.TrimSpace(os.Getenv("JWT_SECRET_KEY"))
	if jwtSecretKey == "" {
		// 生产模式必须显式配置密钥，防止使用弱默认值
		if strings.EqualFold(cfg.Server.Mode, "release") || strings.EqualFold(appEnv, "prod") || strings.EqualFold(appEnv, "production") {
			logger.Fatal("JWT_SECRET_KEY 未配置，生产环境禁止使用默认密钥")
		}
		jwtSecretKey = "default_jwt_secret_key_change_in_production"
		logger.Warn("JWT_SECRET_KEY 未配置，已回退为开发默认值，请在生产环境设置强随机密钥")
	}
	jwtService := auth.NewJWTService(jwtSecretKey, "AuditChainService", redisClient)

	// 审计域服务
	recorder := auditpkg.NewRecorder(db, auditpkg.RecorderConfig{
		MaxRetries: cfg.Audit.LockMaxRetries,
		Backoff:    cfg.Audit.LockBackoff(),
	}, logger.Get())

	sealer := auditpkg.NewSealer(db, auditpkg.SealerConfig{
		MinAge:    cfg.Audit.SealAge(),
		BatchSize: cfg.Audit.SealBatchSize,
	}, logger.Get())

	archiver := auditpkg.NewArchiver(db, auditpkg.ArchiverConfig{
		ArchivePath:      cfg.Audit.ArchivePath,
		ArchiveAfterDays: cfg.Audit.ArchiveAfterDays,
		DeleteAfterDays:  cfg.Audit.DeleteAfterDays,
		CompressLevel:    cfg.Audit.CompressLevel,
	}, logger.Get())

	verifier := auditpkg.NewVerifier(db, logger.Get())
	store := auditpkg.NewStore(db)
	exporter := auditpkg.NewExporter(store)

	loginRecorder := auditpkg.NewLoginRecorder(db, redisClient, recorder, auditpkg.LoginAnomalyConfig{
		FailureThreshold: cfg.Audit.LoginFailureThreshold,
		FailureWindow:    cfg.Audit.LoginWindow(),
	}, logger.Get())

	// 后台任务服务器（封存/归档/扫描走 asynq 周期调度）
	workerServer := worker.NewServer(redisCfg, cfg.Audit, sealer, archiver, verifier, loginRecorder, logger.Get())

	// 全局中间件
	router.Use(gin.Recovery())
	router.Use(middlewarepkg.RequestIDMiddleware())
	router.Use(RequestLogger())
	router.Use(CORS())

	rateLimiter := middlewarepkg.NewRateLimiter(nil)
	router.Use(rateLimiter.Middleware())

	container := &AppContainer{
		JWTService:  jwtService,
		RateLimiter: rateLimiter,
	}
	handlers := &Handlers{
		Audit: auditHandlers.NewHandler(recorder, store, verifier, exporter, logger.Get()),
		Login: loginHandlers.NewHandler(loginRecorder, logger.Get()),
	}

	RegisterRoutes(router, container, handlers)

	return router, workerServer
}

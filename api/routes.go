package api

import (
	"backend/internal/auth"
	"backend/internal/logger"
	middlewarepkg "backend/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes 注册所有 API 路由
func RegisterRoutes(router *gin.Engine, container *AppContainer, handlers *Handlers) {
	// 公开端点（不需要认证）
	router.GET("/health", HealthCheck())
	router.GET("/healthz", HealthCheck())
	router.GET("/ready", ReadinessCheck())

	// Prometheus 指标端点
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 版本化 API 组
	apiV1 := router.Group("/api/v1")
	apiV1.Use(auth.AuthMiddleware(container.JWTService), middlewarepkg.GinTenantContextMiddleware(logger.Get()))
	registerAuditRoutes(apiV1, handlers)
}

// registerAuditRoutes 注册审计域路由
func registerAuditRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	audit := apiGroup.Group("/audit")
	{
		audit.POST("/events", h.Audit.RecordEvent)
		audit.GET("/records", h.Audit.ListRecords)
		audit.GET("/records/:seq", h.Audit.GetRecord)
		audit.GET("/export", h.Audit.ExportRecords)
		audit.POST("/verify", h.Audit.VerifyChain)

		audit.POST("/logins", h.Login.RecordLogin)
		audit.GET("/logins", h.Login.ListLogins)
	}
}

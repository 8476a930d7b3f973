package login

import (
	"net/http"
	"strconv"
	"time"

	auditpkg "backend/internal/audit"
	"backend/internal/models"
	"backend/internal/tenant"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 登录事件 HTTP 处理器
type Handler struct {
	logins *auditpkg.LoginRecorder
	logger *zap.Logger
}

// NewHandler 创建登录事件处理器
func NewHandler(logins *auditpkg.LoginRecorder, logger *zap.Logger) *Handler {
	return &Handler{logins: logins, logger: logger}
}

// recordLoginRequest 上报登录事件的请求体
type recordLoginRequest struct {
	ActorID    string `json:"actor_id"`
	Outcome    string `json:"outcome" binding:"required,oneof=success failure"`
	ReasonCode string `json:"reason_code"`
	AuthMethod string `json:"auth_method"`
	MFAMethod  string `json:"mfa_method"`
	IPAddress  string `json:"ip_address"`
	SessionID  string `json:"session_id"`
	OccurredAt string `json:"occurred_at"` // RFC3339，为空取服务端当前时间
}

// RecordLogin 上报一次认证尝试
func (h *Handler) RecordLogin(c *gin.Context) {
	tc := tenant.MustTenantContext(c.Request.Context())

	var req recordLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体格式错误: " + err.Error()})
		return
	}
	if req.Outcome == models.LoginOutcomeFailure && req.ReasonCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "失败事件必须携带 reason_code"})
		return
	}

	attempt := auditpkg.LoginAttempt{
		TenantID:   tc.TenantID,
		ActorID:    req.ActorID,
		Outcome:    req.Outcome,
		ReasonCode: req.ReasonCode,
		AuthMethod: req.AuthMethod,
		MFAMethod:  req.MFAMethod,
		IPAddress:  req.IPAddress,
		SessionID:  req.SessionID,
	}
	if attempt.IPAddress == "" {
		attempt.IPAddress = c.ClientIP()
	}
	if req.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "occurred_at 不是合法的 RFC3339 时间"})
			return
		}
		attempt.OccurredAt = t
	}

	event, err := h.logins.Record(c.Request.Context(), attempt)
	if err != nil {
		h.logger.Error("登录事件上报失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "登录事件写入失败"})
		return
	}

	c.JSON(http.StatusCreated, event)
}

// ListLogins 查询当前租户的登录事件
func (h *Handler) ListLogins(c *gin.Context) {
	tc := tenant.MustTenantContext(c.Request.Context())

	suspiciousOnly := c.Query("suspicious") == "true"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	events, err := h.logins.ListLoginEvents(c.Request.Context(), tc.TenantID, suspiciousOnly, limit)
	if err != nil {
		h.logger.Error("查询登录事件失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

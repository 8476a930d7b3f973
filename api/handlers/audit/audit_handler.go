package audit

import (
	"net/http"
	"strconv"
	"time"

	auditpkg "backend/internal/audit"
	"backend/internal/tenant"
	"backend/pkg/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 审计记录 HTTP 处理器
type Handler struct {
	recorder *auditpkg.Recorder
	store    *auditpkg.Store
	verifier *auditpkg.Verifier
	exporter *auditpkg.Exporter
	logger   *zap.Logger
}

// NewHandler 创建审计处理器
func NewHandler(recorder *auditpkg.Recorder, store *auditpkg.Store, verifier *auditpkg.Verifier, exporter *auditpkg.Exporter, logger *zap.Logger) *Handler {
	return &Handler{
		recorder: recorder,
		store:    store,
		verifier: verifier,
		exporter: exporter,
		logger:   logger,
	}
}

// recordEventRequest 上报审计事件的请求体
type recordEventRequest struct {
	Action      string              `json:"action" binding:"required"`
	EntityType  string              `json:"entity_type" binding:"required"`
	EntityID    string              `json:"entity_id"`
	Changes     []fieldChangeInput  `json:"changes"`
	Description string              `json:"description"`
	SessionID   string              `json:"session_id"`
}

// fieldChangeInput 字段变更输入
type fieldChangeInput struct {
	Field  string     `json:"field" binding:"required"`
	Before valueInput `json:"before"`
	After  valueInput `json:"after"`
}

// valueInput 带类型标签的值输入
type valueInput struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

func (v valueInput) toValue() auditpkg.Value {
	kind := auditpkg.ValueKind(v.Kind)
	switch kind {
	case auditpkg.ValueString, auditpkg.ValueNumber, auditpkg.ValueBool, auditpkg.ValueTime:
		return auditpkg.Value{Kind: kind, Text: v.Text}
	default:
		if v.Text == "" {
			return auditpkg.NullValue()
		}
		return auditpkg.StringValue(v.Text)
	}
}

// RecordEvent 上报一条审计事件
//
// fire-and-forget 契约：即使写入失败也返回 202，失败详情
// 只进入日志与指标。调用方不应依赖本接口的结果。
func (h *Handler) RecordEvent(c *gin.Context) {
	tc := tenant.MustTenantContext(c.Request.Context())

	var req recordEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体格式错误: " + err.Error()})
		return
	}

	changes := make([]auditpkg.FieldChange, 0, len(req.Changes))
	for _, fc := range req.Changes {
		changes = append(changes, auditpkg.FieldChange{
			Field:  fc.Field,
			Before: fc.Before.toValue(),
			After:  fc.After.toValue(),
		})
	}

	st := h.recorder.Record(c.Request.Context(), auditpkg.Event{
		TenantID:    tc.TenantID,
		ActorID:     tc.UserID,
		Action:      auditpkg.ActionKind(req.Action),
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Changes:     changes,
		Description: req.Description,
		IPAddress:   c.ClientIP(),
		SessionID:   req.SessionID,
	})

	resp := gin.H{"recorded": st.Recorded}
	if st.Recorded {
		resp["seq"] = st.Seq
		resp["content_hash"] = st.ContentHash
	}
	c.JSON(http.StatusAccepted, resp)
}

// ListRecords 分页查询审计记录
func (h *Handler) ListRecords(c *gin.Context) {
	tc := tenant.MustTenantContext(c.Request.Context())

	filter := auditpkg.RecordFilter{
		ActorID:    c.Query("actor_id"),
		Action:     c.Query("action"),
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
	}

	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filter.From = &t
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = &t
		}
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if pageSize > 200 {
		pageSize = 200
	}
	filter.Pagination = &types.PaginationRequest{Page: page, PageSize: pageSize}

	records, pagination, err := h.store.ListRecords(c.Request.Context(), tc.TenantID, filter)
	if err != nil {
		h.logger.Error("查询审计记录失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records":    records,
		"pagination": pagination,
	})
}

// GetRecord 按序号获取单条审计记录
func (h *Handler) GetRecord(c *gin.Context) {
	tc := tenant.MustTenantContext(c.Request.Context())

	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的序号"})
		return
	}

	rec, err := h.store.GetBySeq(c.Request.Context(), tc.TenantID, seq)
	if err != nil {
		h.logger.Error("查询审计记录失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询失败"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "记录不存在"})
		return
	}

	c.JSON(http.StatusOK, rec)
}

// verifyRequest 校验请求体
type verifyRequest struct {
	FromSeq int64 `json:"from_seq"`
	ToSeq   int64 `json:"to_seq"`
}

// VerifyChain 对当前租户的链执行只读校验并返回报告
func (h *Handler) VerifyChain(c *gin.Context) {
	tc := tenant.MustTenantContext(c.Request.Context())

	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体格式错误: " + err.Error()})
		return
	}

	report, err := h.verifier.Verify(c.Request.Context(), tc.TenantID, req.FromSeq, req.ToSeq)
	if err != nil {
		h.logger.Error("链校验失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "校验执行失败"})
		return
	}

	c.JSON(http.StatusOK, report)
}

// ExportRecords 导出审计记录（CSV/JSON）
func (h *Handler) ExportRecords(c *gin.Context) {
	tc := tenant.MustTenantContext(c.Request.Context())

	req := &auditpkg.ExportRequest{
		TenantID:   tc.TenantID,
		Format:     auditpkg.ExportFormat(c.DefaultQuery("format", "json")),
		ActorID:    c.Query("actor_id"),
		Action:     c.Query("action"),
		EntityType: c.Query("entity_type"),
	}

	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			req.From = &t
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			req.To = &t
		}
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "0")); err == nil {
		req.Limit = limit
	}

	result, err := h.exporter.Export(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("导出审计记录失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "导出失败"})
		return
	}

	c.Header("Content-Disposition", "attachment; filename="+result.Filename)
	c.Data(http.StatusOK, result.ContentType, result.Data)
}

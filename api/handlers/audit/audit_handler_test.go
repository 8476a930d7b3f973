package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	auditpkg "backend/internal/audit"
	"backend/internal/models"
	"backend/internal/tenant"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupHandlerTest(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:audit_http_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.AuditRecord{},
		&models.ChainTail{},
		&models.ChainTombstone{},
		&models.LoginEvent{},
	))

	recorder := auditpkg.NewRecorder(db, auditpkg.RecorderConfig{}, nil)
	store := auditpkg.NewStore(db)
	verifier := auditpkg.NewVerifier(db, nil)
	exporter := auditpkg.NewExporter(store)
	handler := NewHandler(recorder, store, verifier, exporter, nil)

	router := gin.New()
	// 测试中直接注入租户上下文，跳过 JWT 认证链路
	router.Use(func(c *gin.Context) {
		ctx := tenant.WithTenantContext(c.Request.Context(), tenant.TenantContext{
			TenantID: "tenant-a",
			UserID:   "user-1",
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

	group := router.Group("/api/v1/audit")
	group.POST("/events", handler.RecordEvent)
	group.GET("/records", handler.ListRecords)
	group.GET("/records/:seq", handler.GetRecord)
	group.GET("/export", handler.ExportRecords)
	group.POST("/verify", handler.VerifyChain)

	return router, db
}

func postJSON(t *testing.T, router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRecordEventHTTP(t *testing.T) {
	router, db := setupHandlerTest(t)

	w := postJSON(t, router, "/api/v1/audit/events", gin.H{
		"action":      "create",
		"entity_type": "invoice",
		"entity_id":   "inv-1",
		"description": "新建发票",
		"changes": []gin.H{
			{"field": "amount", "before": gin.H{"kind": "null"}, "after": gin.H{"kind": "number", "text": "100"}},
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, true, resp["recorded"])
	require.Equal(t, float64(1), resp["seq"])
	require.Len(t, resp["content_hash"], 64)

	var stored models.AuditRecord
	require.NoError(t, db.Where("tenant_id = ?", "tenant-a").First(&stored).Error)
	require.Equal(t, "user-1", *stored.ActorID, "操作者取自租户上下文")
}

func TestRecordEventHTTPFailOpen(t *testing.T) {
	router, _ := setupHandlerTest(t)

	// 非法动作：校验在绑定层之后由记录器拒绝，仍返回 202
	w := postJSON(t, router, "/api/v1/audit/events", gin.H{
		"action":      "drop_table",
		"entity_type": "invoice",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, false, resp["recorded"])

	// 请求体不合法才是 400
	req := httptest.NewRequest(http.MethodPost, "/api/v1/audit/events", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAndGetRecordsHTTP(t *testing.T) {
	router, _ := setupHandlerTest(t)

	for i := 0; i < 3; i++ {
		w := postJSON(t, router, "/api/v1/audit/events", gin.H{
			"action":      "create",
			"entity_type": "order",
			"entity_id":   fmt.Sprintf("ord-%d", i),
		})
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/records?page=1&page_size=2", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var listResp struct {
		Records    []models.AuditRecord `json:"records"`
		Pagination struct {
			Total int64 `json:"total"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.Records, 2)
	require.Equal(t, int64(3), listResp.Pagination.Total)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/audit/records/2", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var rec models.AuditRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.Equal(t, int64(2), rec.Seq)

	// 不存在的序号
	req = httptest.NewRequest(http.MethodGet, "/api/v1/audit/records/99", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestVerifyChainHTTP(t *testing.T) {
	router, db := setupHandlerTest(t)

	for i := 0; i < 3; i++ {
		w := postJSON(t, router, "/api/v1/audit/events", gin.H{
			"action":      "create",
			"entity_type": "order",
			"entity_id":   fmt.Sprintf("ord-%d", i),
		})
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w := postJSON(t, router, "/api/v1/audit/verify", gin.H{})
	require.Equal(t, http.StatusOK, w.Code)

	var report auditpkg.VerifyReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.True(t, report.Intact)
	require.Equal(t, int64(3), report.Checked)

	// 篡改后校验报告断裂点
	require.NoError(t, db.Model(&models.AuditRecord{}).
		Where("tenant_id = ? AND seq = ?", "tenant-a", 2).
		Update("description", "tampered").Error)

	w = postJSON(t, router, "/api/v1/audit/verify", gin.H{})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.False(t, report.Intact)
	require.Equal(t, int64(2), report.DivergenceSeq)
}

func TestExportRecordsHTTP(t *testing.T) {
	router, _ := setupHandlerTest(t)

	w := postJSON(t, router, "/api/v1/audit/events", gin.H{
		"action":      "create",
		"entity_type": "order",
		"entity_id":   "ord-1",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/export?format=csv", nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	require.Equal(t, http.StatusOK, w2.Code)
	require.Contains(t, w2.Header().Get("Content-Type"), "text/csv")
	require.Contains(t, w2.Header().Get("Content-Disposition"), "attachment")
	require.Contains(t, w2.Body.String(), "内容哈希")
}

package login

import (
	"bytes"
	"context"
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

func setupLoginHandlerTest(t *testing.T) (*gin.Engine, *auditpkg.LoginRecorder, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:login_http_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.AuditRecord{},
		&models.ChainTail{},
		&models.ChainTombstone{},
		&models.LoginEvent{},
	))

	recorder := auditpkg.NewRecorder(db, auditpkg.RecorderConfig{}, nil)
	logins := auditpkg.NewLoginRecorder(db, nil, recorder, auditpkg.LoginAnomalyConfig{
		FailureThreshold: 2,
		FailureWindow:    10 * time.Minute,
	}, nil)
	handler := NewHandler(logins, nil)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		ctx := tenant.WithTenantContext(c.Request.Context(), tenant.TenantContext{
			TenantID: "tenant-a",
			UserID:   "user-1",
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	router.POST("/api/v1/audit/logins", handler.RecordLogin)
	router.GET("/api/v1/audit/logins", handler.ListLogins)

	return router, logins, db
}

func postLogin(t *testing.T, router *gin.Engine, body gin.H) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/audit/logins", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRecordLoginHTTP(t *testing.T) {
	router, _, db := setupLoginHandlerTest(t)

	w := postLogin(t, router, gin.H{
		"actor_id":    "user-1",
		"outcome":     "success",
		"auth_method": "password",
		"ip_address":  "10.0.0.1",
		"session_id":  "sess-1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var event models.LoginEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &event))
	require.NotEmpty(t, event.ID)
	require.Equal(t, models.LoginOutcomeSuccess, event.Outcome)
	require.Equal(t, "tenant-a", event.TenantID, "租户取自上下文而非请求体")

	// 同步追加到主审计链
	var chained models.AuditRecord
	require.NoError(t, db.Where("action = ?", "login_success").First(&chained).Error)
	require.Equal(t, event.ID, chained.EntityID)
}

func TestRecordLoginValidation(t *testing.T) {
	router, _, _ := setupLoginHandlerTest(t)

	// outcome 枚举外的值
	w := postLogin(t, router, gin.H{"outcome": "maybe"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	// 失败事件缺少 reason_code
	w = postLogin(t, router, gin.H{"outcome": "failure"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	// occurred_at 非法格式
	w = postLogin(t, router, gin.H{
		"outcome":     "failure",
		"reason_code": "bad_password",
		"occurred_at": "昨天",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListLoginsHTTP(t *testing.T) {
	router, logins, _ := setupLoginHandlerTest(t)

	base := time.Now().UTC().Add(-3 * time.Minute)
	for i := 0; i < 3; i++ {
		w := postLogin(t, router, gin.H{
			"outcome":     "failure",
			"reason_code": "bad_password",
			"ip_address":  "203.0.113.9",
			"occurred_at": base.Add(time.Duration(i) * time.Second).Format(time.RFC3339),
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	_, err := logins.Sweep(context.Background())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/logins?suspicious=true", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Events []models.LoginEvent `json:"events"`
		Count  int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Positive(t, resp.Count)
	for _, ev := range resp.Events {
		require.True(t, ev.Suspicious)
	}
}

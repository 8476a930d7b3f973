package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 登录结果
const (
	LoginOutcomeSuccess = "success"
	LoginOutcomeFailure = "failure"
)

// LoginEvent 登录事件
//
// 每次认证尝试记录一条，创建后除异常检测扫描回填
// RiskScore/Suspicious 外不再变更。
type LoginEvent struct {
	ID       string `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID string `gorm:"type:uuid;not null;index:idx_login_tenant_created" json:"tenant_id"`

	// ActorID 为空表示用户名无法解析到已知账户
	ActorID    *string `gorm:"type:uuid;index:idx_login_actor" json:"actor_id,omitempty"`
	Outcome    string  `gorm:"type:varchar(16);not null;index:idx_login_outcome" json:"outcome"`
	ReasonCode string  `gorm:"type:varchar(64)" json:"reason_code,omitempty"`
	AuthMethod string  `gorm:"type:varchar(32)" json:"auth_method"`
	MFAMethod  string  `gorm:"type:varchar(32)" json:"mfa_method,omitempty"`
	IPAddress  string  `gorm:"type:varchar(100);index:idx_login_ip" json:"ip_address"`
	SessionID  string  `gorm:"type:varchar(100)" json:"session_id,omitempty"`

	// 异常检测扫描回填字段
	RiskScore  int  `gorm:"not null;default:0" json:"risk_score"`
	Suspicious bool `gorm:"not null;default:false;index:idx_login_suspicious" json:"suspicious"`

	CreatedAt time.Time `gorm:"not null;index:idx_login_tenant_created" json:"created_at"`
}

// TableName 指定表名
func (LoginEvent) TableName() string {
	return "login_events"
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (e *LoginEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

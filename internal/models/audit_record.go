package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSealedRecordImmutable 封存记录不可变更
var ErrSealedRecordImmutable = errors.New("sealed record immutable")

// ErrDeleteUnarchivedRecord 未归档记录禁止物理删除
var ErrDeleteUnarchivedRecord = errors.New("cannot delete record before archival")

// AuditRecord 审计记录
//
// 每条记录在租户内拥有严格递增的序号 Seq，ContentHash 通过
// PreviousHash 与前一条记录相连，构成可校验的哈希链。
// 记录创建后唯一允许的状态变更是封存（sealed）与归档（archived）。
type AuditRecord struct {
	ID       string `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID string `gorm:"type:uuid;not null;uniqueIndex:idx_audit_tenant_seq,priority:1;index:idx_audit_tenant_created" json:"tenant_id"`
	Seq      int64  `gorm:"not null;uniqueIndex:idx_audit_tenant_seq,priority:2" json:"seq"`

	// ActorID 为空表示系统触发的事件（定时任务、同步等）
	ActorID     *string        `gorm:"type:uuid;index:idx_audit_actor" json:"actor_id,omitempty"`
	Action      string         `gorm:"type:varchar(32);not null;index:idx_audit_action" json:"action"`
	EntityType  string         `gorm:"type:varchar(100);not null;index:idx_audit_entity" json:"entity_type"`
	EntityID    string         `gorm:"type:varchar(100);index:idx_audit_entity" json:"entity_id"`
	Changes     datatypes.JSON `gorm:"type:jsonb" json:"changes,omitempty"`
	Description string         `gorm:"type:text" json:"description"`
	IPAddress   string         `gorm:"type:varchar(100)" json:"ip_address"`
	SessionID   string         `gorm:"type:varchar(100)" json:"session_id"`
	CreatedAt   time.Time      `gorm:"not null;index:idx_audit_tenant_created" json:"created_at"`

	// 完整性字段
	ContentHash  string `gorm:"type:char(64);not null" json:"content_hash"`
	PreviousHash string `gorm:"type:char(64);not null" json:"previous_hash"`

	Sealed     bool       `gorm:"not null;default:false;index:idx_audit_sealed" json:"sealed"`
	SealedAt   *time.Time `json:"sealed_at,omitempty"`
	Archived   bool       `gorm:"not null;default:false;index:idx_audit_archived" json:"archived"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// TableName 指定表名
func (AuditRecord) TableName() string {
	return "audit_records"
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (r *AuditRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// sealedMutableColumns 封存后仍允许变更的列（仅归档转换）
var sealedMutableColumns = map[string]bool{
	"archived":    true,
	"archived_at": true,
}

// isStateTransition 判断 map 更新是否只执行封存或归档状态转换。
// 解封（sealed 置回 false）不是合法转换。
func isStateTransition(dest map[string]interface{}) bool {
	if len(dest) == 0 {
		return false
	}

	archival, sealing := true, true
	for col := range dest {
		if !sealedMutableColumns[col] {
			archival = false
		}
		if col != "sealed" && col != "sealed_at" {
			sealing = false
		}
	}
	if archival {
		return true
	}
	if !sealing {
		return false
	}
	if v, present := dest["sealed"]; present {
		b, ok := v.(bool)
		return ok && b
	}
	return true
}

// BeforeUpdate GORM 钩子：封存记录只允许封存/归档状态转换，其余更新一律拒绝
//
// 更新经由已加载实例时，实例上的封存位即行状态；批量更新
// （Model(&AuditRecord{}) 加 Where 条件）的钩子收不到行状态，
// 需回查目标集合内是否存在已封存记录。
func (r *AuditRecord) BeforeUpdate(tx *gorm.DB) error {
	if dest, ok := tx.Statement.Dest.(map[string]interface{}); ok && isStateTransition(dest) {
		return nil
	}

	if r.ID != "" {
		if r.Sealed {
			return ErrSealedRecordImmutable
		}
		return nil
	}

	query := tx.Session(&gorm.Session{NewDB: true}).
		Model(&AuditRecord{}).
		Where("sealed = ?", true)
	if c, ok := tx.Statement.Clauses["WHERE"]; ok {
		if where, ok := c.Expression.(clause.Where); ok {
			for _, expr := range where.Exprs {
				query = query.Where(expr)
			}
		}
	}

	var sealed int64
	if err := query.Count(&sealed).Error; err != nil {
		return err
	}
	if sealed > 0 {
		return ErrSealedRecordImmutable
	}
	return nil
}

// BeforeDelete GORM 钩子：删除前必须已完成归档
func (r *AuditRecord) BeforeDelete(tx *gorm.DB) error {
	if !r.Archived {
		return ErrDeleteUnarchivedRecord
	}
	return nil
}

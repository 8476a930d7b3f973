package audit

import (
	"errors"
	"fmt"

	"backend/internal/models"

	"gorm.io/gorm"
)

// expectedPrevHash 解析序号 seq 的记录应当携带的 previous_hash
//
// 解析顺序：前一条存活记录的 content_hash → 创世值（seq==1）→
// 删除墓碑（前驱已被保留流程删除）。三者都不命中说明链上
// 存在缺口，按完整性破坏处理。
func expectedPrevHash(db *gorm.DB, tenantID string, seq int64) (string, error) {
	if seq <= 1 {
		return GenesisHash, nil
	}

	var prev models.AuditRecord
	err := db.Select("seq", "content_hash").
		Where("tenant_id = ? AND seq = ?", tenantID, seq-1).
		First(&prev).Error
	if err == nil {
		return prev.ContentHash, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("读取前驱记录失败: %w", err)
	}

	var tomb models.ChainTombstone
	err = db.Where("tenant_id = ? AND last_deleted_seq = ?", tenantID, seq-1).
		First(&tomb).Error
	if err == nil {
		return tomb.LastDeletedHash, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("读取删除墓碑失败: %w", err)
	}

	return "", &ChainIntegrityViolation{
		TenantID: tenantID,
		Seq:      seq,
		Field:    "previous_hash",
		Expected: fmt.Sprintf("unresolvable: missing record seq=%d", seq-1),
		Actual:   "",
	}
}

// tenantsWith 列出满足条件的租户（去重），供批处理流程逐租户推进
func tenantsWith(db *gorm.DB, cond string, args ...interface{}) ([]string, error) {
	var tenants []string
	err := db.Model(&models.AuditRecord{}).
		Distinct("tenant_id").
		Where(cond, args...).
		Order("tenant_id").
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		return nil, fmt.Errorf("列举租户失败: %w", err)
	}
	return tenants, nil
}

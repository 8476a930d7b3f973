package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend/internal/models"
	"backend/pkg/types"

	"gorm.io/gorm"
)

// RecordFilter 审计记录查询条件
type RecordFilter struct {
	From       *time.Time
	To         *time.Time
	ActorID    string
	Action     string
	EntityType string
	EntityID   string
	Sealed     *bool
	Pagination *types.PaginationRequest
}

// Store 审计记录只读查询层
//
// 查询/导出面是数据模型之上的简单索引查询，不参与链逻辑。
type Store struct {
	db *gorm.DB
}

// NewStore 创建查询层
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ListRecords 按条件分页查询租户的审计记录
func (s *Store) ListRecords(ctx context.Context, tenantID string, f RecordFilter) ([]models.AuditRecord, *types.PaginationResponse, error) {
	if tenantID == "" {
		return nil, nil, fmt.Errorf("缺少租户标识")
	}

	db := s.db.WithContext(ctx).Model(&models.AuditRecord{}).Where("tenant_id = ?", tenantID)

	if f.From != nil {
		db = db.Where("created_at >= ?", f.From)
	}
	if f.To != nil {
		db = db.Where("created_at <= ?", f.To)
	}
	if f.ActorID != "" {
		db = db.Where("actor_id = ?", f.ActorID)
	}
	if f.Action != "" {
		db = db.Where("action = ?", f.Action)
	}
	if f.EntityType != "" {
		db = db.Where("entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		db = db.Where("entity_id = ?", f.EntityID)
	}
	if f.Sealed != nil {
		db = db.Where("sealed = ?", *f.Sealed)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, nil, err
	}

	pagination := f.Pagination
	if pagination == nil {
		pagination = &types.PaginationRequest{Page: 1, PageSize: 20}
	}
	if pagination.Page <= 0 {
		pagination.Page = 1
	}
	if pagination.PageSize <= 0 {
		pagination.PageSize = 20
	}
	if pagination.PageSize > 10000 {
		pagination.PageSize = 10000
	}

	var records []models.AuditRecord
	offset := (pagination.Page - 1) * pagination.PageSize
	err := db.Order("seq DESC").
		Offset(offset).
		Limit(pagination.PageSize).
		Find(&records).Error
	if err != nil {
		return nil, nil, err
	}

	resp := &types.PaginationResponse{
		Page:       pagination.Page,
		PageSize:   pagination.PageSize,
		Total:      total,
		TotalPages: (int(total) + pagination.PageSize - 1) / pagination.PageSize,
	}
	return records, resp, nil
}

// GetBySeq 按序号获取单条记录
func (s *Store) GetBySeq(ctx context.Context, tenantID string, seq int64) (*models.AuditRecord, error) {
	var rec models.AuditRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND seq = ?", tenantID, seq).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

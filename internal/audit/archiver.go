package audit

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"backend/internal/metrics"
	"backend/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ArchiverConfig 保留/归档配置
type ArchiverConfig struct {
	ArchivePath      string // 归档文件根目录
	ArchiveAfterDays int    // 封存记录超过该天数后导出归档（默认 365）
	DeleteAfterDays  int    // 归档记录超过该天数后允许物理删除（默认 730）
	BatchSize        int
	CompressLevel    int // gzip 压缩级别 (1-9)
}

// Archiver 保留/归档流程
//
// 两阶段：先把超过归档年龄的已封存记录导出为 gzip JSON 文档并
// 标记 archived，再把超过删除年龄且已归档的记录物理删除。
// 删除前更新租户的删除墓碑，保证余下链仍可校验。
type Archiver struct {
	db     *gorm.DB
	cfg    ArchiverConfig
	logger *zap.Logger
	mu     sync.Mutex
}

// NewArchiver 创建归档器
func NewArchiver(db *gorm.DB, cfg ArchiverConfig, logger *zap.Logger) *Archiver {
	if cfg.ArchiveAfterDays <= 0 {
		cfg.ArchiveAfterDays = 365
	}
	if cfg.DeleteAfterDays <= 0 {
		cfg.DeleteAfterDays = 730
	}
	if cfg.DeleteAfterDays < cfg.ArchiveAfterDays {
		cfg.DeleteAfterDays = cfg.ArchiveAfterDays
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.CompressLevel <= 0 || cfg.CompressLevel > 9 {
		cfg.CompressLevel = gzip.BestCompression
	}
	if cfg.ArchivePath == "" {
		cfg.ArchivePath = "./archive/audit"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{db: db, cfg: cfg, logger: logger}
}

// ArchiveResult 归档运行结果
type ArchiveResult struct {
	ArchivedFiles []string      `json:"archived_files"`
	Archived      int64         `json:"archived"`
	Deleted       int64         `json:"deleted"`
	Duration      time.Duration `json:"duration"`
	Errors        []string      `json:"errors,omitempty"`
}

// ArchiveDocument 单条记录的自描述导出文档
//
// 包含重建记录与离线重验哈希所需的全部字段。
type ArchiveDocument struct {
	SchemaVersion int    `json:"schema_version"`
	HashAlgorithm string `json:"hash_algorithm"` // "sha256-chain-v1"

	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Seq          int64           `json:"seq"`
	ActorID      *string         `json:"actor_id"`
	Action       string          `json:"action"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Changes      json.RawMessage `json:"changes,omitempty"`
	Description  string          `json:"description"`
	IPAddress    string          `json:"ip_address"`
	SessionID    string          `json:"session_id"`
	CreatedAt    string          `json:"created_at"` // 规范化时间格式
	ContentHash  string          `json:"content_hash"`
	PreviousHash string          `json:"previous_hash"`
	Sealed       bool            `json:"sealed"`
	SealedAt     *time.Time      `json:"sealed_at,omitempty"`
}

// Run 执行一次完整的保留流程：归档阶段 + 删除阶段
func (a *Archiver) Run(ctx context.Context) (*ArchiveResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	result := &ArchiveResult{}

	if err := a.archivePass(ctx, result); err != nil {
		result.Duration = time.Since(start)
		return result, err
	}
	if err := a.deletePass(ctx, result); err != nil {
		result.Duration = time.Since(start)
		return result, err
	}

	result.Duration = time.Since(start)
	return result, nil
}

// archivePass 导出超龄的已封存记录并标记 archived
func (a *Archiver) archivePass(ctx context.Context, result *ArchiveResult) error {
	db := a.db.WithContext(ctx)
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.ArchiveAfterDays)

	tenants, err := tenantsWith(db, "sealed = ? AND archived = ? AND created_at < ?", true, false, cutoff)
	if err != nil {
		return err
	}

	for _, tenantID := range tenants {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := a.archiveTenant(db, tenantID, cutoff, result); err != nil {
			// 单租户失败不阻塞其它租户，下次运行会重试
			result.Errors = append(result.Errors, fmt.Sprintf("archive tenant %s: %v", tenantID, err))
			a.logger.Error("租户归档失败", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	return nil
}

// archiveTenant 按日期分批导出单个租户的记录
func (a *Archiver) archiveTenant(db *gorm.DB, tenantID string, cutoff time.Time, result *ArchiveResult) error {
	for {
		var batch []models.AuditRecord
		err := db.Where("tenant_id = ? AND sealed = ? AND archived = ? AND created_at < ?",
			tenantID, true, false, cutoff).
			Order("seq ASC").
			Limit(a.cfg.BatchSize).
			Find(&batch).Error
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		// 按创建日期切分为独立归档文件
		byDate := map[string][]models.AuditRecord{}
		var order []string
		for _, rec := range batch {
			day := rec.CreatedAt.UTC().Format("2006-01-02")
			if _, ok := byDate[day]; !ok {
				order = append(order, day)
			}
			byDate[day] = append(byDate[day], rec)
		}

		for _, day := range order {
			recs := byDate[day]
			filename, err := a.writeArchiveFile(tenantID, day, recs)
			if err != nil {
				return fmt.Errorf("写入归档文件失败: %w", err)
			}
			result.ArchivedFiles = append(result.ArchivedFiles, filename)

			// 导出成功后才标记 archived；两步之间中断时下次运行
			// 会重新导出同一批（文件覆盖写，幂等）
			ids := make([]string, len(recs))
			for i, rec := range recs {
				ids[i] = rec.ID
			}
			now := time.Now().UTC()
			err = db.Model(&models.AuditRecord{}).
				Where("id IN ?", ids).
				Updates(map[string]interface{}{
					"archived":    true,
					"archived_at": now,
				}).Error
			if err != nil {
				return fmt.Errorf("标记归档状态失败: %w", err)
			}
			result.Archived += int64(len(recs))
			metrics.RecordsArchivedTotal.Add(float64(len(recs)))
		}

		if len(batch) < a.cfg.BatchSize {
			return nil
		}
	}
}

// writeArchiveFile 将一批记录写为 gzip JSON 文档
// 路径: <root>/<tenant>/<year>/audit_<tenant>_<date>.json.gz
func (a *Archiver) writeArchiveFile(tenantID, day string, recs []models.AuditRecord) (string, error) {
	year := day[:4]
	dir := filepath.Join(a.cfg.ArchivePath, tenantID, year)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	filename := filepath.Join(dir, fmt.Sprintf("audit_%s_%s.json.gz", tenantID, day))

	file, err := os.Create(filename)
	if err != nil {
		return "", err
	}
	defer file.Close()

	gzWriter, err := gzip.NewWriterLevel(file, a.cfg.CompressLevel)
	if err != nil {
		return "", err
	}
	defer gzWriter.Close()

	docs := make([]ArchiveDocument, len(recs))
	for i, rec := range recs {
		docs[i] = toArchiveDocument(&rec)
	}

	encoder := json.NewEncoder(gzWriter)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(docs); err != nil {
		return "", err
	}

	return filename, nil
}

// toArchiveDocument 转换为自描述导出文档
func toArchiveDocument(rec *models.AuditRecord) ArchiveDocument {
	return ArchiveDocument{
		SchemaVersion: 1,
		HashAlgorithm: "sha256-chain-v1",
		ID:            rec.ID,
		TenantID:      rec.TenantID,
		Seq:           rec.Seq,
		ActorID:       rec.ActorID,
		Action:        rec.Action,
		EntityType:    rec.EntityType,
		EntityID:      rec.EntityID,
		Changes:       json.RawMessage(rec.Changes),
		Description:   rec.Description,
		IPAddress:     rec.IPAddress,
		SessionID:     rec.SessionID,
		CreatedAt:     canonicalTime(rec.CreatedAt),
		ContentHash:   rec.ContentHash,
		PreviousHash:  rec.PreviousHash,
		Sealed:        rec.Sealed,
		SealedAt:      rec.SealedAt,
	}
}

// deletePass 物理删除超过删除年龄且已归档的记录
func (a *Archiver) deletePass(ctx context.Context, result *ArchiveResult) error {
	db := a.db.WithContext(ctx)
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.DeleteAfterDays)

	tenants, err := tenantsWith(db, "archived = ? AND created_at < ?", true, cutoff)
	if err != nil {
		return err
	}

	for _, tenantID := range tenants {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := a.deleteTenant(db, tenantID, cutoff, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete tenant %s: %v", tenantID, err))
			a.logger.Error("租户记录删除失败", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	return nil
}

// deleteTenant 按序删除单个租户的超龄记录并推进墓碑
func (a *Archiver) deleteTenant(db *gorm.DB, tenantID string, cutoff time.Time, result *ArchiveResult) error {
	for {
		var batch []models.AuditRecord
		err := db.Where("tenant_id = ? AND archived = ? AND created_at < ?", tenantID, true, cutoff).
			Order("seq ASC").
			Limit(a.cfg.BatchSize).
			Find(&batch).Error
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		for i := range batch {
			rec := &batch[i]
			if err := a.deleteRecord(db, rec); err != nil {
				return err
			}
			result.Deleted++
			metrics.RecordsDeletedTotal.Inc()
		}

		if len(batch) < a.cfg.BatchSize {
			return nil
		}
	}
}

// deleteRecord 删除单条记录：先推进墓碑，再删除本体，同一事务
func (a *Archiver) deleteRecord(db *gorm.DB, rec *models.AuditRecord) error {
	// 双重保险：查询条件已过滤，存储层钩子同样会拒绝
	if !rec.Archived {
		return &ArchivalPrecondition{TenantID: rec.TenantID, Seq: rec.Seq}
	}

	return db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		var tomb models.ChainTombstone
		err := tx.Where("tenant_id = ?", rec.TenantID).First(&tomb).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			tomb = models.ChainTombstone{
				TenantID:        rec.TenantID,
				LastDeletedSeq:  rec.Seq,
				LastDeletedHash: rec.ContentHash,
				DeletedAt:       now,
			}
			if err := tx.Create(&tomb).Error; err != nil {
				return fmt.Errorf("创建删除墓碑失败: %w", err)
			}
		case err != nil:
			return fmt.Errorf("读取删除墓碑失败: %w", err)
		default:
			// 墓碑只向前推进
			if rec.Seq > tomb.LastDeletedSeq {
				err := tx.Model(&models.ChainTombstone{}).
					Where("tenant_id = ?", rec.TenantID).
					Updates(map[string]interface{}{
						"last_deleted_seq":  rec.Seq,
						"last_deleted_hash": rec.ContentHash,
						"deleted_at":        now,
					}).Error
				if err != nil {
					return fmt.Errorf("更新删除墓碑失败: %w", err)
				}
			}
		}

		if err := tx.Delete(rec).Error; err != nil {
			return fmt.Errorf("删除记录失败: %w", err)
		}
		return nil
	})
}

// RestoreArchive 读取归档文件（用于离线核查与归档查询）
func (a *Archiver) RestoreArchive(path string) ([]ArchiveDocument, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开归档文件失败: %w", err)
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("创建 gzip 读取器失败: %w", err)
	}
	defer gzReader.Close()

	var docs []ArchiveDocument
	decoder := json.NewDecoder(gzReader)
	if err := decoder.Decode(&docs); err != nil {
		return nil, fmt.Errorf("解码归档文档失败: %w", err)
	}

	return docs, nil
}

package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"backend/internal/metrics"
	"backend/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SealerConfig 封存流程配置
type SealerConfig struct {
	MinAge    time.Duration // 记录超过该年龄才进入封存（默认 24h）
	BatchSize int           // 单批处理条数
}

// Sealer 封存流程
//
// 按序号升序封存超龄记录，封存前逐条校验哈希链。
// 幂等：已封存记录不在候选集内，重复运行是无操作。
// 可中断恢复：每条记录独立提交，下次运行从最小未封存序号继续。
type Sealer struct {
	db     *gorm.DB
	cfg    SealerConfig
	logger *zap.Logger
	mu     sync.Mutex
}

// NewSealer 创建封存流程
func NewSealer(db *gorm.DB, cfg SealerConfig, logger *zap.Logger) *Sealer {
	if cfg.MinAge <= 0 {
		cfg.MinAge = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sealer{db: db, cfg: cfg, logger: logger}
}

// TenantSealResult 单租户封存结果
type TenantSealResult struct {
	TenantID  string                   `json:"tenant_id"`
	Sealed    int64                    `json:"sealed"`
	Halted    bool                     `json:"halted"`
	Violation *ChainIntegrityViolation `json:"violation,omitempty"`
}

// SealReport 一次封存运行的汇总
type SealReport struct {
	Tenants  []TenantSealResult `json:"tenants"`
	Sealed   int64              `json:"sealed"`
	Duration time.Duration      `json:"duration"`
}

// Run 对所有存在超龄未封存记录的租户执行封存
func (s *Sealer) Run(ctx context.Context) (*SealReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	// 年龄截止线在运行开始时固定：封存只作用于已关闭的时间窗口，
	// 运行期间新写入的记录不会追溯影响本次处理
	cutoff := time.Now().UTC().Add(-s.cfg.MinAge)

	tenants, err := tenantsWith(s.db.WithContext(ctx), "sealed = ? AND created_at < ?", false, cutoff)
	if err != nil {
		return nil, err
	}

	report := &SealReport{}
	for _, tenantID := range tenants {
		select {
		case <-ctx.Done():
			report.Duration = time.Since(start)
			return report, ctx.Err()
		default:
		}

		res, err := s.sealTenant(ctx, tenantID, cutoff)
		if err != nil {
			return report, err
		}
		report.Tenants = append(report.Tenants, *res)
		report.Sealed += res.Sealed
	}

	report.Duration = time.Since(start)
	return report, nil
}

// SealTenant 对单个租户执行封存（供按需调用）
func (s *Sealer) SealTenant(ctx context.Context, tenantID string) (*TenantSealResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-s.cfg.MinAge)
	return s.sealTenant(ctx, tenantID, cutoff)
}

func (s *Sealer) sealTenant(ctx context.Context, tenantID string, cutoff time.Time) (*TenantSealResult, error) {
	result := &TenantSealResult{TenantID: tenantID}
	db := s.db.WithContext(ctx)

	// 候选集是该租户未封存记录的前缀（封存总是按序推进），
	// 分批拉取直到处理完或检出破坏
	for {
		var batch []models.AuditRecord
		err := db.Where("tenant_id = ? AND sealed = ? AND created_at < ?", tenantID, false, cutoff).
			Order("seq ASC").
			Limit(s.cfg.BatchSize).
			Find(&batch).Error
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			return result, nil
		}

		var prevHash string
		for i := range batch {
			rec := &batch[i]

			if i > 0 && rec.Seq == batch[i-1].Seq+1 {
				// 前驱刚在本批内校验通过
				prevHash = batch[i-1].ContentHash
			} else {
				resolved, err := expectedPrevHash(db, tenantID, rec.Seq)
				if err != nil {
					var v *ChainIntegrityViolation
					if errors.As(err, &v) {
						return s.halt(result, v), nil
					}
					return result, err
				}
				prevHash = resolved
			}

			// 失败安全：完整性未确认的记录绝不封存，
			// 从分歧点起的所有记录保持未封存状态
			if v := checkRecord(rec, prevHash); v != nil {
				return s.halt(result, v), nil
			}

			if err := s.seal(db, rec); err != nil {
				if errors.Is(err, ErrSealingConflict) {
					continue // 并发封存，无操作
				}
				return result, err
			}
			result.Sealed++
			metrics.RecordsSealedTotal.Inc()
		}

		if len(batch) < s.cfg.BatchSize {
			return result, nil
		}
	}
}

// seal 将单条记录标记为已封存
func (s *Sealer) seal(db *gorm.DB, rec *models.AuditRecord) error {
	now := time.Now().UTC()
	res := db.Model(&models.AuditRecord{}).
		Where("id = ? AND sealed = ?", rec.ID, false).
		Updates(map[string]interface{}{
			"sealed":    true,
			"sealed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSealingConflict
	}
	return nil
}

// halt 记录分歧点并停止该租户的封存
func (s *Sealer) halt(result *TenantSealResult, v *ChainIntegrityViolation) *TenantSealResult {
	result.Halted = true
	result.Violation = v
	metrics.ChainViolationsTotal.WithLabelValues("seal").Inc()
	s.logger.Error("封存中止：检出哈希链完整性破坏",
		zap.String("tenant_id", v.TenantID),
		zap.Int64("seq", v.Seq),
		zap.String("field", v.Field),
		zap.String("expected", v.Expected),
		zap.String("actual", v.Actual),
	)
	return result
}

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"backend/internal/metrics"
	"backend/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Event 一次被审计操作的结构化描述
type Event struct {
	TenantID    string
	ActorID     string // 空串表示系统触发
	Action      ActionKind
	EntityType  string
	EntityID    string
	Changes     []FieldChange
	Description string
	IPAddress   string
	SessionID   string
	OccurredAt  time.Time // 零值时取当前时间
}

// RecordStatus 写入结果
//
// 审计写入是 fire-and-forget 契约：调用方可以检查状态，
// 但按约定不得让自身控制流依赖 Err。
type RecordStatus struct {
	Recorded    bool
	Seq         int64
	ContentHash string
	Err         error
}

// RecorderConfig 写入路径配置
type RecorderConfig struct {
	MaxRetries int           // 链尾竞争时的最大重试次数
	Backoff    time.Duration // 重试退避基准间隔（线性递增）
}

// Recorder 事件记录器
//
// 同一租户的序号分配与 previous_hash 链接必须串行化：
// 进程内先经过租户级互斥锁，跨副本由链尾行的乐观 CAS 兜底。
type Recorder struct {
	db     *gorm.DB
	cfg    RecorderConfig
	logger *zap.Logger

	tenantLocks sync.Map // tenantID -> *sync.Mutex
}

// NewRecorder 创建事件记录器
func NewRecorder(db *gorm.DB, cfg RecorderConfig, logger *zap.Logger) *Recorder {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 50 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{db: db, cfg: cfg, logger: logger}
}

// Record 追加一条审计记录并完成哈希链接
//
// 失败绝不向被审计的业务操作传播：记日志、计指标、返回状态。
// 一旦记录成功持久化，其哈希保证正确（同事务内计算并写入）。
func (r *Recorder) Record(ctx context.Context, ev Event) RecordStatus {
	start := time.Now()
	defer func() {
		metrics.RecordWriteDuration.Observe(time.Since(start).Seconds())
	}()

	if ev.TenantID == "" {
		return r.fail("missing_tenant", fmt.Errorf("事件缺少租户标识"), ev)
	}
	if !ev.Action.Valid() {
		return r.fail("invalid_action", fmt.Errorf("未知动作类型: %q", ev.Action), ev)
	}

	lock := r.lockFor(ev.TenantID)
	lock.Lock()
	defer lock.Unlock()

	var st RecordStatus
	var err error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.ChainTailRetriesTotal.Inc()
			select {
			case <-time.After(r.cfg.Backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return r.fail("context_canceled", ctx.Err(), ev)
			}
		}

		st, err = r.append(ctx, ev)
		if err == nil {
			metrics.RecordsTotal.WithLabelValues(ev.TenantID, string(ev.Action)).Inc()
			return st
		}
		if !errors.Is(err, ErrLockContention) {
			break
		}
	}

	if errors.Is(err, ErrLockContention) {
		return r.fail("lock_contention", err, ev)
	}
	return r.fail("append", err, ev)
}

// append 在单个事务内分配序号、计算哈希并推进链尾
func (r *Recorder) append(ctx context.Context, ev Event) (RecordStatus, error) {
	var st RecordStatus

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tail, err := r.loadOrCreateTail(tx, ev.TenantID)
		if err != nil {
			return err
		}

		seq := tail.LastSeq + 1

		createdAt := ev.OccurredAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		createdAt = createdAt.UTC().Truncate(time.Microsecond)

		changes := sortFieldChanges(ev.Changes)
		var changesJSON []byte
		if len(changes) > 0 {
			changesJSON, err = json.Marshal(changes)
			if err != nil {
				return fmt.Errorf("序列化字段变更失败: %w", err)
			}
		}

		var actorID *string
		if ev.ActorID != "" {
			a := ev.ActorID
			actorID = &a
		}

		cr := canonicalRecord{
			TenantID:    ev.TenantID,
			Seq:         seq,
			ActorID:     ev.ActorID,
			Action:      string(ev.Action),
			EntityType:  ev.EntityType,
			EntityID:    ev.EntityID,
			Changes:     changes,
			Description: ev.Description,
			IPAddress:   ev.IPAddress,
			SessionID:   ev.SessionID,
			CreatedAt:   canonicalTime(createdAt),
		}

		contentHash, err := hashCanonical(cr, tail.LastHash)
		if err != nil {
			return err
		}

		rec := &models.AuditRecord{
			TenantID:     ev.TenantID,
			Seq:          seq,
			ActorID:      actorID,
			Action:       string(ev.Action),
			EntityType:   ev.EntityType,
			EntityID:     ev.EntityID,
			Changes:      changesJSON,
			Description:  ev.Description,
			IPAddress:    ev.IPAddress,
			SessionID:    ev.SessionID,
			CreatedAt:    createdAt,
			ContentHash:  contentHash,
			PreviousHash: tail.LastHash,
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("写入审计记录失败: %w", err)
		}

		// 乐观 CAS 推进链尾：并发写入者中只有一个成功，
		// 失败方回滚整个事务并重试，链因此不会分叉
		res := tx.Model(&models.ChainTail{}).
			Where("tenant_id = ? AND last_seq = ?", ev.TenantID, tail.LastSeq).
			Updates(map[string]interface{}{
				"last_seq":  seq,
				"last_hash": contentHash,
			})
		if res.Error != nil {
			return fmt.Errorf("更新链尾失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrLockContention
		}

		st = RecordStatus{Recorded: true, Seq: seq, ContentHash: contentHash}
		return nil
	})
	if err != nil {
		return RecordStatus{}, err
	}
	return st, nil
}

// loadOrCreateTail 读取租户链尾，首次写入时初始化创世链尾
func (r *Recorder) loadOrCreateTail(tx *gorm.DB, tenantID string) (*models.ChainTail, error) {
	var tail models.ChainTail
	err := tx.Where("tenant_id = ?", tenantID).First(&tail).Error
	if err == nil {
		return &tail, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("读取链尾失败: %w", err)
	}

	tail = models.ChainTail{
		TenantID: tenantID,
		LastSeq:  0,
		LastHash: GenesisHash,
	}
	if err := tx.Create(&tail).Error; err != nil {
		// 主键冲突说明另一写入者刚完成创世初始化，按竞争重试
		return nil, ErrLockContention
	}
	return &tail, nil
}

// lockFor 获取租户级互斥锁（进程内快路径，减少 CAS 空转）
func (r *Recorder) lockFor(tenantID string) *sync.Mutex {
	v, _ := r.tenantLocks.LoadOrStore(tenantID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// fail 统一失败路径：日志 + 指标 + 状态返回
func (r *Recorder) fail(reason string, err error, ev Event) RecordStatus {
	rf := &RecordingFailure{Reason: reason, Err: err}
	metrics.RecordingFailuresTotal.WithLabelValues(reason).Inc()
	r.logger.Error("审计记录写入失败",
		zap.String("tenant_id", ev.TenantID),
		zap.String("action", string(ev.Action)),
		zap.String("entity_type", ev.EntityType),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return RecordStatus{Recorded: false, Err: rf}
}

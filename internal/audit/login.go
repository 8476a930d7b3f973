package audit

import (
	"context"
	"fmt"
	"time"

	"backend/internal/metrics"
	"backend/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LoginAttempt 一次认证尝试的描述
type LoginAttempt struct {
	TenantID   string
	ActorID    string // 空串表示账户无法解析
	Outcome    string // models.LoginOutcomeSuccess / LoginOutcomeFailure
	ReasonCode string
	AuthMethod string
	MFAMethod  string
	IPAddress  string
	SessionID  string
	OccurredAt time.Time // 零值时取当前时间
}

// LoginAnomalyConfig 登录异常检测配置
type LoginAnomalyConfig struct {
	FailureThreshold int           // 同一来源地址的失败次数阈值
	FailureWindow    time.Duration // 滑动窗口
}

// LoginRecorder 登录事件记录器与异常检测扫描
//
// 事件本体落库一次、不再变更；Redis 只做热路径上的失败计数
// 预警，suspicious/risk_score 的最终值始终由 Sweep 从事件表
// 确定性重算得出。
type LoginRecorder struct {
	db       *gorm.DB
	redis    redis.UniversalClient // 可为 nil，此时跳过热路径预警
	recorder *Recorder
	cfg      LoginAnomalyConfig
	logger   *zap.Logger
}

// NewLoginRecorder 创建登录事件记录器
func NewLoginRecorder(db *gorm.DB, rdb redis.UniversalClient, recorder *Recorder, cfg LoginAnomalyConfig, logger *zap.Logger) *LoginRecorder {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoginRecorder{db: db, redis: rdb, recorder: recorder, cfg: cfg, logger: logger}
}

// Record 记录一次认证尝试
//
// 与审计记录器相同的尽力而为契约：失败只记日志，不影响登录流程。
// 同时向主审计链追加一条 login_success/login_failure 记录。
func (l *LoginRecorder) Record(ctx context.Context, attempt LoginAttempt) (*models.LoginEvent, error) {
	occurred := attempt.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	occurred = occurred.UTC().Truncate(time.Microsecond)

	var actorID *string
	if attempt.ActorID != "" {
		a := attempt.ActorID
		actorID = &a
	}

	event := &models.LoginEvent{
		TenantID:   attempt.TenantID,
		ActorID:    actorID,
		Outcome:    attempt.Outcome,
		ReasonCode: attempt.ReasonCode,
		AuthMethod: attempt.AuthMethod,
		MFAMethod:  attempt.MFAMethod,
		IPAddress:  attempt.IPAddress,
		SessionID:  attempt.SessionID,
		CreatedAt:  occurred,
	}

	if err := l.db.WithContext(ctx).Create(event).Error; err != nil {
		l.logger.Error("登录事件写入失败",
			zap.String("tenant_id", attempt.TenantID),
			zap.String("outcome", attempt.Outcome),
			zap.Error(err),
		)
		return nil, fmt.Errorf("写入登录事件失败: %w", err)
	}
	metrics.LoginEventsTotal.WithLabelValues(attempt.Outcome).Inc()

	// 审计链记录（fire-and-forget）
	action := ActionLoginSuccess
	if attempt.Outcome == models.LoginOutcomeFailure {
		action = ActionLoginFailure
	}
	l.recorder.Record(ctx, Event{
		TenantID:    attempt.TenantID,
		ActorID:     attempt.ActorID,
		Action:      action,
		EntityType:  "login_event",
		EntityID:    event.ID,
		Description: attempt.ReasonCode,
		IPAddress:   attempt.IPAddress,
		SessionID:   attempt.SessionID,
		OccurredAt:  occurred,
	})

	if attempt.Outcome == models.LoginOutcomeFailure {
		l.countFailure(ctx, attempt.IPAddress)
	}

	return event, nil
}

// countFailure Redis 热路径失败计数，用于即时预警
func (l *LoginRecorder) countFailure(ctx context.Context, ip string) {
	if l.redis == nil || ip == "" {
		return
	}

	key := fmt.Sprintf("audit:login_fail:%s", ip)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("登录失败计数失败", zap.String("ip", ip), zap.Error(err))
		return
	}
	if count == 1 {
		l.redis.Expire(ctx, key, l.cfg.FailureWindow)
	}
	if int(count) >= l.cfg.FailureThreshold {
		l.logger.Warn("来源地址登录失败次数达到阈值",
			zap.String("ip", ip),
			zap.Int64("failures", count),
			zap.Duration("window", l.cfg.FailureWindow),
		)
	}
}

// SweepResult 异常检测扫描结果
type SweepResult struct {
	Scanned  int64         `json:"scanned"`
	Flagged  int64         `json:"flagged"`
	Duration time.Duration `json:"duration"`
}

// Sweep 异常检测扫描
//
// 对截止当前的近期失败事件，按"同一来源地址在事件时刻前的
// 滑动窗口内失败次数 >= 阈值"的谓词重算 suspicious 与
// risk_score。谓词只依赖事件表本身，重复运行结果一致。
func (l *LoginRecorder) Sweep(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	result := &SweepResult{}
	db := l.db.WithContext(ctx)

	// 扫描范围：最近两个窗口内的失败事件，保证上次扫描后
	// 新增的失败能够影响窗口内更早事件的标记
	since := time.Now().UTC().Add(-2 * l.cfg.FailureWindow)

	var events []models.LoginEvent
	err := db.Where("outcome = ? AND created_at >= ?", models.LoginOutcomeFailure, since).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("查询登录失败事件失败: %w", err)
	}

	for i := range events {
		ev := &events[i]
		result.Scanned++

		var failures int64
		windowStart := ev.CreatedAt.Add(-l.cfg.FailureWindow)
		err := db.Model(&models.LoginEvent{}).
			Where("ip_address = ? AND outcome = ? AND created_at > ? AND created_at <= ?",
				ev.IPAddress, models.LoginOutcomeFailure, windowStart, ev.CreatedAt).
			Count(&failures).Error
		if err != nil {
			return nil, fmt.Errorf("统计窗口内失败次数失败: %w", err)
		}

		suspicious := int(failures) >= l.cfg.FailureThreshold
		riskScore := int(failures * 100 / int64(l.cfg.FailureThreshold))
		if riskScore > 100 {
			riskScore = 100
		}

		if ev.Suspicious == suspicious && ev.RiskScore == riskScore {
			continue
		}

		err = db.Model(&models.LoginEvent{}).
			Where("id = ?", ev.ID).
			Updates(map[string]interface{}{
				"suspicious": suspicious,
				"risk_score": riskScore,
			}).Error
		if err != nil {
			return nil, fmt.Errorf("回填异常标记失败: %w", err)
		}
		if suspicious && !ev.Suspicious {
			result.Flagged++
			metrics.SuspiciousLoginsTotal.Inc()
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

// ListLoginEvents 查询租户的登录事件
func (l *LoginRecorder) ListLoginEvents(ctx context.Context, tenantID string, suspiciousOnly bool, limit int) ([]models.LoginEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	db := l.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if suspiciousOnly {
		db = db.Where("suspicious = ?", true)
	}

	var events []models.LoginEvent
	err := db.Order("created_at DESC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

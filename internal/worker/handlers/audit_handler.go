package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"backend/internal/audit"
	"backend/internal/tenant"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// AuditHandler 审计后台任务处理器
type AuditHandler struct {
	sealer   *audit.Sealer
	archiver *audit.Archiver
	verifier *audit.Verifier
	logins   *audit.LoginRecorder
	logger   *zap.Logger
}

// NewAuditHandler 创建审计任务处理器
func NewAuditHandler(sealer *audit.Sealer, archiver *audit.Archiver, verifier *audit.Verifier, logins *audit.LoginRecorder, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		sealer:   sealer,
		archiver: archiver,
		verifier: verifier,
		logins:   logins,
		logger:   logger,
	}
}

// HandleSealRecords 封存任务
//
// 检出完整性破坏不算任务失败：封存按规范在分歧点停下，
// 破坏本身已通过日志与指标上报，重试无济于事。
func (h *AuditHandler) HandleSealRecords(ctx context.Context, t *asynq.Task) error {
	var payload tasks.SealRecordsPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("解析封存任务载荷失败: %w", err)
		}
	}

	if payload.TenantID != "" {
		// 调度触发的租户级操作没有人类操作者，挂系统身份
		ctx = tenant.WithTenantContext(ctx, tenant.SystemContext(payload.TenantID))
		res, err := h.sealer.SealTenant(ctx, payload.TenantID)
		if err != nil {
			return fmt.Errorf("租户封存失败: %w", err)
		}
		h.logger.Info("租户封存完成",
			zap.String("tenant_id", payload.TenantID),
			zap.Int64("sealed", res.Sealed),
			zap.Bool("halted", res.Halted),
		)
		return nil
	}

	report, err := h.sealer.Run(ctx)
	if err != nil {
		return fmt.Errorf("封存运行失败: %w", err)
	}
	h.logger.Info("封存运行完成",
		zap.Int64("sealed", report.Sealed),
		zap.Int("tenants", len(report.Tenants)),
		zap.Duration("duration", report.Duration),
	)
	return nil
}

// HandleArchiveRecords 归档与保留任务
func (h *AuditHandler) HandleArchiveRecords(ctx context.Context, t *asynq.Task) error {
	result, err := h.archiver.Run(ctx)
	if err != nil {
		return fmt.Errorf("归档运行失败: %w", err)
	}
	h.logger.Info("归档运行完成",
		zap.Int64("archived", result.Archived),
		zap.Int64("deleted", result.Deleted),
		zap.Int("files", len(result.ArchivedFiles)),
		zap.Strings("errors", result.Errors),
		zap.Duration("duration", result.Duration),
	)
	return nil
}

// HandleLoginSweep 登录异常检测扫描任务
func (h *AuditHandler) HandleLoginSweep(ctx context.Context, t *asynq.Task) error {
	result, err := h.logins.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("异常检测扫描失败: %w", err)
	}
	h.logger.Info("异常检测扫描完成",
		zap.Int64("scanned", result.Scanned),
		zap.Int64("flagged", result.Flagged),
		zap.Duration("duration", result.Duration),
	)
	return nil
}

// HandleVerifyChain 按需校验任务
func (h *AuditHandler) HandleVerifyChain(ctx context.Context, t *asynq.Task) error {
	var payload tasks.VerifyChainPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("解析校验任务载荷失败: %w", err)
	}
	if payload.TenantID == "" {
		return fmt.Errorf("校验任务缺少租户标识")
	}

	ctx = tenant.WithTenantContext(ctx, tenant.SystemContext(payload.TenantID))
	report, err := h.verifier.Verify(ctx, payload.TenantID, payload.FromSeq, payload.ToSeq)
	if err != nil {
		return fmt.Errorf("校验运行失败: %w", err)
	}
	if report.Intact {
		h.logger.Info("链校验通过",
			zap.String("tenant_id", report.TenantID),
			zap.Int64("checked", report.Checked),
		)
	} else {
		h.logger.Error("链校验检出断裂",
			zap.String("tenant_id", report.TenantID),
			zap.Int64("divergence_seq", report.DivergenceSeq),
			zap.String("field", report.Field),
		)
	}
	return nil
}

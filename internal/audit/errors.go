package audit

import (
	"errors"
	"fmt"

	"backend/internal/models"
)

// ErrSealedRecordImmutable 封存记录不可变更（存储层钩子抛出）
var ErrSealedRecordImmutable = models.ErrSealedRecordImmutable

// ErrLockContention 链尾 CAS 失败，可退避重试
var ErrLockContention = errors.New("audit: chain tail contention")

// ErrSealingConflict 记录已被并发封存，按无操作处理
var ErrSealingConflict = errors.New("audit: record already sealed")

// RecordingFailure 审计写入失败
//
// 按规范属于尽力而为的可观测性故障：只记日志与指标，
// 绝不向被审计的业务操作传播。
type RecordingFailure struct {
	Reason string
	Err    error
}

func (e *RecordingFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audit: recording failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("audit: recording failed (%s)", e.Reason)
}

func (e *RecordingFailure) Unwrap() error {
	return e.Err
}

// ChainIntegrityViolation 哈希链完整性破坏
//
// 报告首个分歧点的序号与期望/实际哈希，供人工调查；
// 检测到破坏后绝不自动修复。
type ChainIntegrityViolation struct {
	TenantID string
	Seq      int64
	Field    string // "content_hash" 或 "previous_hash"
	Expected string
	Actual   string
}

func (e *ChainIntegrityViolation) Error() string {
	return fmt.Sprintf("audit: chain integrity violation at tenant=%s seq=%d field=%s expected=%s actual=%s",
		e.TenantID, e.Seq, e.Field, e.Expected, e.Actual)
}

// ArchivalPrecondition 归档前置条件不满足（试图删除未归档记录）
type ArchivalPrecondition struct {
	TenantID string
	Seq      int64
}

func (e *ArchivalPrecondition) Error() string {
	return fmt.Sprintf("audit: record tenant=%s seq=%d not archived, deletion rejected", e.TenantID, e.Seq)
}

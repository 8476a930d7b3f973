package tasks

// Task Types
const (
	TypeSealRecords    = "audit:seal"
	TypeArchiveRecords = "audit:archive"
	TypeLoginSweep     = "audit:login_sweep"
	TypeVerifyChain    = "audit:verify"
)

// SealRecordsPayload 封存任务载荷
// TenantID 为空表示处理所有租户
type SealRecordsPayload struct {
	TenantID string `json:"tenant_id,omitempty"`
}

// VerifyChainPayload 按需校验任务载荷
type VerifyChainPayload struct {
	TenantID string `json:"tenant_id"`
	FromSeq  int64  `json:"from_seq,omitempty"`
	ToSeq    int64  `json:"to_seq,omitempty"`
}

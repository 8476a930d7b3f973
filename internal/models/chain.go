package models

import "time"

// ChainTail 租户哈希链的链尾指针
//
// 写入路径上唯一的共享可变状态：下一条记录的 Seq 与 PreviousHash
// 都来自这一行。更新通过乐观 CAS（WHERE last_seq = ?）完成，
// 并发写入者在 CAS 失败时退避重试，保证链不分叉。
type ChainTail struct {
	TenantID  string    `gorm:"type:uuid;primaryKey" json:"tenant_id"`
	LastSeq   int64     `gorm:"not null" json:"last_seq"`
	LastHash  string    `gorm:"type:char(64);not null" json:"last_hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (ChainTail) TableName() string {
	return "audit_chain_tails"
}

// ChainTombstone 删除墓碑
//
// 归档后物理删除记录时，保留该租户最后一条被删记录的序号与
// ContentHash，使下一条存活记录的 PreviousHash 仍可被校验。
// 此表只增不删，作为永久台账存在。
type ChainTombstone struct {
	TenantID        string    `gorm:"type:uuid;primaryKey" json:"tenant_id"`
	LastDeletedSeq  int64     `gorm:"not null" json:"last_deleted_seq"`
	LastDeletedHash string    `gorm:"type:char(64);not null" json:"last_deleted_hash"`
	DeletedAt       time.Time `gorm:"not null" json:"deleted_at"`
}

// TableName 指定表名
func (ChainTombstone) TableName() string {
	return "audit_chain_tombstones"
}

// Package audit 实现防篡改的审计记录完整性服务：
// 事件写入、哈希链构建、封存、校验与保留/归档。
//
// 哈希规范化形式（跨实现校验的唯一依据）：
//
//  1. 记录内容序列化为 canonicalRecord 结构的 JSON，字段顺序即
//     结构体声明顺序，不使用 map，不进行 HTML 转义；
//  2. 字段变更按字段名升序排列，每个值携带类型标签与规范化文本；
//  3. 时间戳统一 UTC，RFC3339 微秒精度（2006-01-02T15:04:05.000000Z）；
//  4. content_hash = hex(SHA-256(canonical_json_bytes || previous_hash_hex))，
//     previous_hash 以十六进制字符串的字节形式参与摘要；
//  5. 租户链上首条记录的 previous_hash 为 64 个 '0'（创世值）。
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"backend/internal/models"
)

// GenesisHash 创世前驱哈希：64 个零字符，与摘要的十六进制宽度一致
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// canonicalTimeLayout 规范化时间格式：UTC 微秒精度
const canonicalTimeLayout = "2006-01-02T15:04:05.000000Z"

// canonicalRecord 参与哈希的记录内容，字段顺序固定
type canonicalRecord struct {
	TenantID    string        `json:"tenant_id"`
	Seq         int64         `json:"seq"`
	ActorID     string        `json:"actor_id"`
	Action      string        `json:"action"`
	EntityType  string        `json:"entity_type"`
	EntityID    string        `json:"entity_id"`
	Changes     []FieldChange `json:"changes"`
	Description string        `json:"description"`
	IPAddress   string        `json:"ip_address"`
	SessionID   string        `json:"session_id"`
	CreatedAt   string        `json:"created_at"`
}

// hashCanonical 计算规范化内容与前驱哈希的链式摘要
func hashCanonical(cr canonicalRecord, previousHash string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(cr); err != nil {
		return "", fmt.Errorf("规范化序列化失败: %w", err)
	}

	h := sha256.New()
	// Encode 会追加换行符，保留它：它是规范化字节的一部分
	h.Write(buf.Bytes())
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalTime 格式化参与哈希的时间戳
func canonicalTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(canonicalTimeLayout)
}

// canonicalFromRecord 从已存储的记录重建规范化内容
func canonicalFromRecord(rec *models.AuditRecord) (canonicalRecord, error) {
	var changes []FieldChange
	if len(rec.Changes) > 0 {
		if err := json.Unmarshal(rec.Changes, &changes); err != nil {
			return canonicalRecord{}, fmt.Errorf("解析字段变更失败: %w", err)
		}
	}

	actorID := ""
	if rec.ActorID != nil {
		actorID = *rec.ActorID
	}

	return canonicalRecord{
		TenantID:    rec.TenantID,
		Seq:         rec.Seq,
		ActorID:     actorID,
		Action:      rec.Action,
		EntityType:  rec.EntityType,
		EntityID:    rec.EntityID,
		Changes:     sortFieldChanges(changes),
		Description: rec.Description,
		IPAddress:   rec.IPAddress,
		SessionID:   rec.SessionID,
		CreatedAt:   canonicalTime(rec.CreatedAt),
	}, nil
}

// RecomputeContentHash 从存储字段与存储的 previous_hash 重算 content_hash
//
// 重算结果与存储值不一致即视为记录被篡改。
func RecomputeContentHash(rec *models.AuditRecord) (string, error) {
	cr, err := canonicalFromRecord(rec)
	if err != nil {
		return "", err
	}
	return hashCanonical(cr, rec.PreviousHash)
}

// checkRecord 校验单条记录：先查链接关系，再查内容哈希。
// 返回 nil 表示记录完好。
func checkRecord(rec *models.AuditRecord, expectedPrev string) *ChainIntegrityViolation {
	if rec.PreviousHash != expectedPrev {
		return &ChainIntegrityViolation{
			TenantID: rec.TenantID,
			Seq:      rec.Seq,
			Field:    "previous_hash",
			Expected: expectedPrev,
			Actual:   rec.PreviousHash,
		}
	}

	recomputed, err := RecomputeContentHash(rec)
	if err != nil {
		// 无法解析的记录同样视为完整性破坏
		return &ChainIntegrityViolation{
			TenantID: rec.TenantID,
			Seq:      rec.Seq,
			Field:    "content_hash",
			Expected: rec.ContentHash,
			Actual:   "unparseable: " + err.Error(),
		}
	}
	if recomputed != rec.ContentHash {
		return &ChainIntegrityViolation{
			TenantID: rec.TenantID,
			Seq:      rec.Seq,
			Field:    "content_hash",
			Expected: recomputed,
			Actual:   rec.ContentHash,
		}
	}

	return nil
}

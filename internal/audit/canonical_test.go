package audit

import (
	"testing"
	"time"

	"backend/internal/models"

	"github.com/stretchr/testify/require"
)

func TestHashCanonicalDeterministic(t *testing.T) {
	cr := canonicalRecord{
		TenantID:   "tenant-a",
		Seq:        1,
		ActorID:    "user-1",
		Action:     "update",
		EntityType: "invoice",
		EntityID:   "inv-42",
		Changes: []FieldChange{
			{Field: "amount", Before: IntValue(10), After: IntValue(20)},
		},
		Description: "金额调整",
		IPAddress:   "10.0.0.1",
		SessionID:   "sess-1",
		CreatedAt:   "2025-06-01T08:30:00.123456Z",
	}

	h1, err := hashCanonical(cr, GenesisHash)
	require.NoError(t, err)
	h2, err := hashCanonical(cr, GenesisHash)
	require.NoError(t, err)
	require.Equal(t, h1, h2, "相同输入必须产生相同哈希")
	require.Len(t, h1, 64)

	// 任一字段变化都必须改变哈希
	cr2 := cr
	cr2.Description = "金额调整 v2"
	h3, err := hashCanonical(cr2, GenesisHash)
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)

	// 前驱哈希参与摘要
	h4, err := hashCanonical(cr, h1)
	require.NoError(t, err)
	require.NotEqual(t, h1, h4)
}

func TestCanonicalTimeFormat(t *testing.T) {
	ts := time.Date(2025, 6, 1, 16, 30, 0, 123456789, time.FixedZone("CST", 8*3600))
	require.Equal(t, "2025-06-01T08:30:00.123456Z", canonicalTime(ts), "统一 UTC 微秒精度")

	// 整秒时间也保留完整微秒位
	ts2 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "2025-06-01T00:00:00.000000Z", canonicalTime(ts2))
}

func TestSortFieldChangesByName(t *testing.T) {
	changes := []FieldChange{
		{Field: "zeta", Before: NullValue(), After: StringValue("z")},
		{Field: "alpha", Before: NullValue(), After: StringValue("a")},
		{Field: "mid", Before: NullValue(), After: StringValue("m")},
	}

	sorted := sortFieldChanges(changes)
	require.Equal(t, "alpha", sorted[0].Field)
	require.Equal(t, "mid", sorted[1].Field)
	require.Equal(t, "zeta", sorted[2].Field)

	// 原切片不被修改
	require.Equal(t, "zeta", changes[0].Field)
}

func TestRecomputeDetectsTampering(t *testing.T) {
	cr := canonicalRecord{
		TenantID:  "tenant-a",
		Seq:       1,
		Action:    "create",
		CreatedAt: "2025-06-01T08:30:00.000000Z",
	}
	hash, err := hashCanonical(cr, GenesisHash)
	require.NoError(t, err)

	createdAt, err := time.Parse(canonicalTimeLayout, cr.CreatedAt)
	require.NoError(t, err)

	rec := &models.AuditRecord{
		TenantID:     "tenant-a",
		Seq:          1,
		Action:       "create",
		CreatedAt:    createdAt,
		ContentHash:  hash,
		PreviousHash: GenesisHash,
	}
	require.Nil(t, checkRecord(rec, GenesisHash), "未篡改记录校验通过")

	// 内容被改动：重算哈希与存储值不再一致
	rec.Description = "injected"
	v := checkRecord(rec, GenesisHash)
	require.NotNil(t, v)
	require.Equal(t, "content_hash", v.Field)
	require.Equal(t, int64(1), v.Seq)
	require.Equal(t, hash, v.Actual, "Actual 报告存储的哈希")

	// 链接被改动：previous_hash 检查先于内容检查
	rec.Description = ""
	rec.PreviousHash = "ff" + GenesisHash[2:]
	v = checkRecord(rec, GenesisHash)
	require.NotNil(t, v)
	require.Equal(t, "previous_hash", v.Field)
}

package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"backend/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupAuditTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:audit_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.AuditRecord{},
		&models.ChainTail{},
		&models.ChainTombstone{},
		&models.LoginEvent{},
	))
	return db
}

func TestRecordBuildsHashChain(t *testing.T) {
	ctx := context.Background()
	db := setupAuditTestDB(t)
	rec := NewRecorder(db, RecorderConfig{}, nil)

	var hashes []string
	for i := 0; i < 3; i++ {
		st := rec.Record(ctx, Event{
			TenantID:   "tenant-a",
			ActorID:    "user-1",
			Action:     ActionCreate,
			EntityType: "invoice",
			EntityID:   fmt.Sprintf("inv-%d", i),
		})
		require.True(t, st.Recorded, "写入必须成功: %v", st.Err)
		require.Equal(t, int64(i+1), st.Seq, "序号严格递增")
		hashes = append(hashes, st.ContentHash)
	}

	var stored []models.AuditRecord
	require.NoError(t, db.Where("tenant_id = ?", "tenant-a").Order("seq ASC").Find(&stored).Error)
	require.Len(t, stored, 3)

	// 首条链接创世哈希，后续链接前驱的 content_hash
	require.Equal(t, GenesisHash, stored[0].PreviousHash)
	require.Equal(t, hashes[0], stored[1].PreviousHash)
	require.Equal(t, hashes[1], stored[2].PreviousHash)

	// 存储的哈希可以从存储字段重算复现
	for i := range stored {
		recomputed, err := RecomputeContentHash(&stored[i])
		require.NoError(t, err)
		require.Equal(t, stored[i].ContentHash, recomputed)
	}

	// 链尾与最后一条记录一致
	var tail models.ChainTail
	require.NoError(t, db.Where("tenant_id = ?", "tenant-a").First(&tail).Error)
	require.Equal(t, int64(3), tail.LastSeq)
	require.Equal(t, hashes[2], tail.LastHash)
}

func TestRecordTenantChainsIndependent(t *testing.T) {
	ctx := context.Background()
	db := setupAuditTestDB(t)
	rec := NewRecorder(db, RecorderConfig{}, nil)

	stA := rec.Record(ctx, Event{TenantID: "tenant-a", Action: ActionCreate, EntityType: "order"})
	stB := rec.Record(ctx, Event{TenantID: "tenant-b", Action: ActionCreate, EntityType: "order"})
	require.True(t, stA.Recorded)
	require.True(t, stB.Recorded)

	// 两条链各自从 seq=1 开始，创世链接
	require.Equal(t, int64(1), stA.Seq)
	require.Equal(t, int64(1), stB.Seq)

	var recB models.AuditRecord
	require.NoError(t, db.Where("tenant_id = ? AND seq = ?", "tenant-b", 1).First(&recB).Error)
	require.Equal(t, GenesisHash, recB.PreviousHash)
}

func TestRecordFailOpenContract(t *testing.T) {
	ctx := context.Background()
	db := setupAuditTestDB(t)
	rec := NewRecorder(db, RecorderConfig{}, nil)

	// 缺少租户：返回失败状态而不是 panic 或 error 传播
	st := rec.Record(ctx, Event{Action: ActionCreate, EntityType: "order"})
	require.False(t, st.Recorded)
	var rf *RecordingFailure
	require.ErrorAs(t, st.Err, &rf)
	require.Equal(t, "missing_tenant", rf.Reason)

	// 未知动作类型同样拒绝
	st = rec.Record(ctx, Event{TenantID: "tenant-a", Action: "drop_table", EntityType: "order"})
	require.False(t, st.Recorded)
	require.ErrorAs(t, st.Err, &rf)
	require.Equal(t, "invalid_action", rf.Reason)

	// 失败不产生残留记录
	var count int64
	require.NoError(t, db.Model(&models.AuditRecord{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestRecordChangesOrderIndependentHash(t *testing.T) {
	ctx := context.Background()
	db := setupAuditTestDB(t)
	rec := NewRecorder(db, RecorderConfig{}, nil)

	occurred := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	changesA := []FieldChange{
		{Field: "status", Before: StringValue("draft"), After: StringValue("posted")},
		{Field: "amount", Before: IntValue(10), After: IntValue(20)},
	}
	changesB := []FieldChange{
		{Field: "amount", Before: IntValue(10), After: IntValue(20)},
		{Field: "status", Before: StringValue("draft"), After: StringValue("posted")},
	}

	st1 := rec.Record(ctx, Event{
		TenantID: "tenant-a", Action: ActionUpdate, EntityType: "invoice", EntityID: "inv-1",
		Changes: changesA, OccurredAt: occurred,
	})
	st2 := rec.Record(ctx, Event{
		TenantID: "tenant-b", Action: ActionUpdate, EntityType: "invoice", EntityID: "inv-1",
		Changes: changesB, OccurredAt: occurred,
	})
	require.True(t, st1.Recorded)
	require.True(t, st2.Recorded)

	// 两条记录除租户外内容一致，变更顺序不影响规范化形式：
	// 各自链上 seq=1、创世前驱，哈希只应因 tenant_id 不同而不同。
	var r1, r2 models.AuditRecord
	require.NoError(t, db.Where("tenant_id = ?", "tenant-a").First(&r1).Error)
	require.NoError(t, db.Where("tenant_id = ?", "tenant-b").First(&r2).Error)

	c1, err := canonicalFromRecord(&r1)
	require.NoError(t, err)
	c2, err := canonicalFromRecord(&r2)
	require.NoError(t, err)
	require.Equal(t, c1.Changes, c2.Changes, "变更三元组按字段名排序后一致")
}

func TestRecordConcurrentWritersNoForks(t *testing.T) {
	ctx := context.Background()
	db := setupAuditTestDB(t)
	rec := NewRecorder(db, RecorderConfig{MaxRetries: 10, Backoff: time.Millisecond}, nil)

	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				st := rec.Record(ctx, Event{
					TenantID:   "tenant-a",
					Action:     ActionCreate,
					EntityType: "order",
					EntityID:   fmt.Sprintf("w%d-%d", w, i),
				})
				require.True(t, st.Recorded, "并发写入失败: %v", st.Err)
			}
		}(w)
	}
	wg.Wait()

	var stored []models.AuditRecord
	require.NoError(t, db.Where("tenant_id = ?", "tenant-a").Order("seq ASC").Find(&stored).Error)
	require.Len(t, stored, writers*perWriter)

	// 序号连续无空洞无重复，链无分叉
	prevHash := GenesisHash
	for i := range stored {
		require.Equal(t, int64(i+1), stored[i].Seq)
		require.Equal(t, prevHash, stored[i].PreviousHash)
		prevHash = stored[i].ContentHash
	}
}

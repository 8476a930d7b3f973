package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"backend/pkg/types"

	"github.com/stretchr/testify/require"
)

func TestListRecordsPaginationAndOrder(t *testing.T) {
	ctx := context.Background()
	db := setupAuditTestDB(t)
	rec := NewRecorder(db, RecorderConfig{}, nil)
	seedChain(t, rec, "tenant-a", 7)

	store := NewStore(db)
	records, resp, err := store.ListRecords(ctx, "tenant-a", RecordFilter{
		Pagination: &types.PaginationRequest{Page: 1, PageSize: 3},
	})
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, int64(7), resp.Total)
	require.Equal(t, 3, resp.TotalPages)

	// 默认按序号倒序（最新在前）
	require.Equal(t, int64(7), records[0].Seq)
	require.Equal(t, int64(5), records[2].Seq)

	records, _, err = store.ListRecords(ctx, "tenant-a", RecordFilter{
		Pagination: &types.PaginationRequest{Page: 3, PageSize: 3},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int64(1), records[0].Seq)
}

func TestListRecordsFilters(t *testing.T) {
	ctx := context.Background()
	db := setupAuditTestDB(t)
	rec := NewRecorder(db, RecorderConfig{}, nil)

	st := rec.Record(ctx, Event{TenantID: "tenant-a", ActorID: "user-1", Action: ActionCreate, EntityType: "invoice", EntityID: "inv-1"})
	require.True(t, st.Recorded)
	st = rec.Record(ctx, Event{TenantID: "tenant-a", ActorID: "user-2", Action: ActionUpdate, EntityType: "invoice", EntityID: "inv-1"})
	require.True(t, st.Recorded)
	st = rec.Record(ctx, Event{TenantID: "tenant-a", ActorID: "user-1", Action: ActionDelete, EntityType: "order", EntityID: "ord-1"})
	require.True(t, st.Recorded)

	store := NewStore(db)

	byActor, _, err := store.ListRecords(ctx, "tenant-a", RecordFilter{ActorID: "user-1"})
	require.NoError(t, err)
	require.Len(t, byActor, 2)

	byAction, _, err := store.ListRecords(ctx, "tenant-a", RecordFilter{Action: string(ActionUpdate)})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	require.Equal(t, "user-2", *byAction[0].ActorID)

	byEntity, _, err := store.ListRecords(ctx, "tenant-a", RecordFilter{EntityType: "invoice", EntityID: "inv-1"})
	require.NoError(t, err)
	require.Len(t, byEntity, 2)

	// 缺少租户标识直接报错
	_, _, err = store.ListRecords(ctx, "", RecordFilter{})
	require.Error(t, err)
}

func TestGetBySeq(t *testing.T) {
	ctx := context.Background()
	db := setupAuditTestDB(t)
	rec := NewRecorder(db, RecorderConfig{}, nil)
	seedChain(t, rec, "tenant-a", 2)

	store := NewStore(db)
	found, err := store.GetBySeq(ctx, "tenant-a", 2)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, int64(2), found.Seq)

	missing, err := store.GetBySeq(ctx, "tenant-a", 99)
	require.NoError(t, err)
	require.Nil(t, missing, "不存在的序号返回 nil 而非错误")
}

func TestExportJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := setupAuditTestDB(t)
	rec := NewRecorder(db, RecorderConfig{}, nil)
	seedChain(t, rec, "tenant-a", 3)

	exporter := NewExporter(NewStore(db))
	result, err := exporter.Export(ctx, &ExportRequest{TenantID: "tenant-a", Format: FormatJSON})
	require.NoError(t, err)
	require.Equal(t, 3, result.TotalCount)
	require.Contains(t, result.Filename, ".json")

	var payload struct {
		TotalCount int               `json:"total_count"`
		Records    []ArchiveDocument `json:"records"`
	}
	require.NoError(t, json.Unmarshal(result.Data, &payload))
	require.Equal(t, 3, payload.TotalCount)
	for _, doc := range payload.Records {
		require.Equal(t, "sha256-chain-v1", doc.HashAlgorithm)
		require.Len(t, doc.ContentHash, 64)
		require.Len(t, doc.PreviousHash, 64)
	}
}

func TestExportCSVHeader(t *testing.T) {
	ctx := context.Background()
	db := setupAuditTestDB(t)
	rec := NewRecorder(db, RecorderConfig{}, nil)
	seedChain(t, rec, "tenant-a", 2)

	exporter := NewExporter(NewStore(db))
	result, err := exporter.Export(ctx, &ExportRequest{TenantID: "tenant-a", Format: FormatCSV})
	require.NoError(t, err)
	require.Equal(t, 2, result.TotalCount)
	require.Contains(t, result.Filename, ".csv")
	require.Contains(t, string(result.Data), "内容哈希")

	// 每条记录一行 + 表头
	lines := 0
	for _, b := range result.Data {
		if b == '\n' {
			lines++
		}
	}
	require.Equal(t, 3, lines, fmt.Sprintf("CSV 应有表头加 %d 行数据", 2))
}

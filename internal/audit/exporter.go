package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"backend/internal/models"
	"backend/pkg/types"
)

// ExportFormat 导出格式
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// ExportRequest 导出请求
type ExportRequest struct {
	TenantID   string       `json:"tenant_id"`
	Format     ExportFormat `json:"format"`
	From       *time.Time   `json:"from,omitempty"`
	To         *time.Time   `json:"to,omitempty"`
	ActorID    string       `json:"actor_id,omitempty"`
	Action     string       `json:"action,omitempty"`
	EntityType string       `json:"entity_type,omitempty"`
	Limit      int          `json:"limit,omitempty"` // 最大导出条数
}

// ExportResult 导出结果
type ExportResult struct {
	Data        []byte `json:"data,omitempty"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	TotalCount  int    `json:"total_count"`
}

// Exporter 审计记录导出器（查询面的 CSV/JSON 导出）
type Exporter struct {
	store *Store
}

// NewExporter 创建导出器
func NewExporter(store *Store) *Exporter {
	return &Exporter{store: store}
}

// Export 导出审计记录
func (e *Exporter) Export(ctx context.Context, req *ExportRequest) (*ExportResult, error) {
	limit := req.Limit
	if limit <= 0 || limit > 10000 {
		limit = 10000
	}

	records, _, err := e.store.ListRecords(ctx, req.TenantID, RecordFilter{
		From:       req.From,
		To:         req.To,
		ActorID:    req.ActorID,
		Action:     req.Action,
		EntityType: req.EntityType,
		Pagination: &types.PaginationRequest{Page: 1, PageSize: limit},
	})
	if err != nil {
		return nil, fmt.Errorf("查询审计记录失败: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")

	switch req.Format {
	case FormatCSV:
		return e.exportCSV(records, timestamp)
	default:
		return e.exportJSON(records, timestamp)
	}
}

// exportCSV 导出为 CSV 格式
func (e *Exporter) exportCSV(records []models.AuditRecord, timestamp string) (*ExportResult, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{"序号", "租户ID", "操作者", "动作", "实体类型", "实体ID", "描述", "内容哈希", "前驱哈希", "已封存", "创建时间"}
	if err := writer.Write(header); err != nil {
		return nil, err
	}

	for _, rec := range records {
		actor := ""
		if rec.ActorID != nil {
			actor = *rec.ActorID
		}
		row := []string{
			fmt.Sprintf("%d", rec.Seq),
			rec.TenantID,
			actor,
			rec.Action,
			rec.EntityType,
			rec.EntityID,
			rec.Description,
			rec.ContentHash,
			rec.PreviousHash,
			fmt.Sprintf("%t", rec.Sealed),
			rec.CreatedAt.Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}

	return &ExportResult{
		Data:        buf.Bytes(),
		Filename:    fmt.Sprintf("audit_records_%s.csv", timestamp),
		ContentType: "text/csv; charset=utf-8",
		TotalCount:  len(records),
	}, nil
}

// exportJSON 导出为 JSON 格式（复用归档文档结构，可离线重验哈希）
func (e *Exporter) exportJSON(records []models.AuditRecord, timestamp string) (*ExportResult, error) {
	docs := make([]ArchiveDocument, len(records))
	for i := range records {
		docs[i] = toArchiveDocument(&records[i])
	}

	result := struct {
		ExportedAt string            `json:"exported_at"`
		TotalCount int               `json:"total_count"`
		Records    []ArchiveDocument `json:"records"`
	}{
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		TotalCount: len(docs),
		Records:    docs,
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, err
	}

	return &ExportResult{
		Data:        data,
		Filename:    fmt.Sprintf("audit_records_%s.json", timestamp),
		ContentType: "application/json; charset=utf-8",
		TotalCount:  len(docs),
	}, nil
}

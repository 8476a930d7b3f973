package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"backend/internal/audit"
	"backend/internal/models"
	"backend/internal/worker/tasks"

	"github.com/glebarez/sqlite"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupWorkerTest(t *testing.T) (*AuditHandler, *audit.Recorder, *audit.LoginRecorder, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:worker_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.AuditRecord{},
		&models.ChainTail{},
		&models.ChainTombstone{},
		&models.LoginEvent{},
	))

	recorder := audit.NewRecorder(db, audit.RecorderConfig{}, nil)
	sealer := audit.NewSealer(db, audit.SealerConfig{MinAge: time.Minute}, nil)
	archiver := audit.NewArchiver(db, audit.ArchiverConfig{
		ArchivePath:      t.TempDir(),
		ArchiveAfterDays: 1,
		DeleteAfterDays:  3650,
	}, nil)
	verifier := audit.NewVerifier(db, nil)
	logins := audit.NewLoginRecorder(db, nil, recorder, audit.LoginAnomalyConfig{
		FailureThreshold: 2,
		FailureWindow:    10 * time.Minute,
	}, nil)

	handler := NewAuditHandler(sealer, archiver, verifier, logins, zap.NewNop())
	return handler, recorder, logins, db
}

func TestHandleSealRecordsTenantScoped(t *testing.T) {
	handler, recorder, _, db := setupWorkerTest(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	for i := 0; i < 3; i++ {
		st := recorder.Record(ctx, audit.Event{
			TenantID:   "tenant-a",
			Action:     audit.ActionCreate,
			EntityType: "order",
			EntityID:   fmt.Sprintf("ord-%d", i),
			OccurredAt: old.Add(time.Duration(i) * time.Second),
		})
		require.True(t, st.Recorded)
	}

	payload, err := json.Marshal(tasks.SealRecordsPayload{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.NoError(t, handler.HandleSealRecords(ctx, asynq.NewTask(tasks.TypeSealRecords, payload)))

	var sealed int64
	require.NoError(t, db.Model(&models.AuditRecord{}).Where("sealed = ?", true).Count(&sealed).Error)
	require.Equal(t, int64(3), sealed, "超龄记录应全部封存")
}

func TestHandleArchiveRecords(t *testing.T) {
	handler, recorder, _, db := setupWorkerTest(t)
	ctx := context.Background()

	st := recorder.Record(ctx, audit.Event{
		TenantID:   "tenant-a",
		Action:     audit.ActionCreate,
		EntityType: "order",
		EntityID:   "ord-1",
		OccurredAt: time.Now().UTC().AddDate(0, 0, -3),
	})
	require.True(t, st.Recorded)

	// 先封存再归档，与调度顺序一致
	require.NoError(t, handler.HandleSealRecords(ctx, asynq.NewTask(tasks.TypeSealRecords, nil)))
	require.NoError(t, handler.HandleArchiveRecords(ctx, asynq.NewTask(tasks.TypeArchiveRecords, nil)))

	var archived int64
	require.NoError(t, db.Model(&models.AuditRecord{}).Where("archived = ?", true).Count(&archived).Error)
	require.Equal(t, int64(1), archived)
}

func TestHandleLoginSweep(t *testing.T) {
	handler, _, logins, db := setupWorkerTest(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-3 * time.Minute)
	for i := 0; i < 3; i++ {
		_, err := logins.Record(ctx, audit.LoginAttempt{
			TenantID:   "tenant-a",
			Outcome:    models.LoginOutcomeFailure,
			ReasonCode: "bad_password",
			IPAddress:  "203.0.113.7",
			OccurredAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	require.NoError(t, handler.HandleLoginSweep(ctx, asynq.NewTask(tasks.TypeLoginSweep, nil)))

	var flagged int64
	require.NoError(t, db.Model(&models.LoginEvent{}).Where("suspicious = ?", true).Count(&flagged).Error)
	require.Positive(t, flagged, "超过阈值的失败来源应被标记")
}

func TestHandleVerifyChainRequiresTenant(t *testing.T) {
	handler, recorder, _, _ := setupWorkerTest(t)
	ctx := context.Background()

	st := recorder.Record(ctx, audit.Event{
		TenantID:   "tenant-a",
		Action:     audit.ActionCreate,
		EntityType: "order",
		EntityID:   "ord-1",
	})
	require.True(t, st.Recorded)

	payload, err := json.Marshal(tasks.VerifyChainPayload{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.NoError(t, handler.HandleVerifyChain(ctx, asynq.NewTask(tasks.TypeVerifyChain, payload)))

	empty, err := json.Marshal(tasks.VerifyChainPayload{})
	require.NoError(t, err)
	require.Error(t, handler.HandleVerifyChain(ctx, asynq.NewTask(tasks.TypeVerifyChain, empty)))
}

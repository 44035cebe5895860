package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/claimspipe/internal/db"
	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/repos"
	"github.com/yungbote/claimspipe/internal/types"
)

func testRecorder(t *testing.T) *Recorder {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	dbService, err := db.NewMemory(t.Name(), log)
	require.NoError(t, err)
	require.NoError(t, dbService.AutoMigrateAll())
	return NewRecorder(dbService.DB(), log, repos.NewAuditEventRepo(dbService.DB(), log))
}

func TestRecord_AppendsInOrder(t *testing.T) {
	rec := testRecorder(t)
	ctx := context.Background()
	claimID := uuid.New()

	rec.Record(ctx, nil, Entry{ClaimID: claimID, Action: types.AuditActionSubmitted})
	rec.Record(ctx, nil, Entry{
		ClaimID: claimID,
		Stage:   types.RunStageExtract,
		Action:  types.AuditActionStateChanged,
		Detail:  map[string]interface{}{"from": "Submitted", "to": "Extracting"},
	})

	events, err := rec.Trail(ctx, claimID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, types.AuditActionSubmitted, events[0].Action)
	require.Equal(t, types.AuditActionStateChanged, events[1].Action)

	var detail map[string]string
	require.NoError(t, json.Unmarshal(events[1].Detail, &detail))
	require.Equal(t, "Extracting", detail["to"])
}

func TestRecord_IsolatesClaims(t *testing.T) {
	rec := testRecorder(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	rec.Record(ctx, nil, Entry{ClaimID: a, Action: types.AuditActionSubmitted})
	rec.Record(ctx, nil, Entry{ClaimID: b, Action: types.AuditActionSubmitted})

	events, err := rec.Trail(ctx, a)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, a, events[0].ClaimID)
}

func TestExportJSONL_OneObjectPerLine(t *testing.T) {
	rec := testRecorder(t)
	ctx := context.Background()
	claimID := uuid.New()

	rec.Record(ctx, nil, Entry{ClaimID: claimID, Action: types.AuditActionSubmitted})
	rec.Record(ctx, nil, Entry{ClaimID: claimID, Action: types.AuditActionCancelRequested, Actor: "ops"})

	var buf bytes.Buffer
	require.NoError(t, rec.ExportJSONL(ctx, claimID, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var ev types.AuditEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		require.Equal(t, claimID, ev.ClaimID)
	}
}

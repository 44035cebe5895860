package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/claimspipe/internal/audit"
	"github.com/yungbote/claimspipe/internal/db"
	"github.com/yungbote/claimspipe/internal/docstore"
	"github.com/yungbote/claimspipe/internal/extract"
	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/repos"
	"github.com/yungbote/claimspipe/internal/route"
	"github.com/yungbote/claimspipe/internal/rules"
	"github.com/yungbote/claimspipe/internal/score"
	"github.com/yungbote/claimspipe/internal/types"
)

const testArtifact = `
version: 1
scoring:
  baseline_severity: 2
  high_value_amount: 50000
  amount_thresholds:
    - min_amount: 100000
      severity: 9
    - min_amount: 10000
      severity: 5
  keyword_flags:
    - keywords: ["fraud", "staged"]
      flag: FraudSuspected
      min_severity: 8
  complexity:
    medium_min_fields: 3
    high_min_fields: 10
    high_min_flags: 2
routing:
  default_team: General Claims
  rules:
    - name: fraud-review
      team: Fraud Investigation
      when:
        any_flags: [FraudSuspected]
    - name: severe-claims
      team: Severe Claims
      when:
        min_severity: 8
`

type harness struct {
	coord  *Coordinator
	store  *docstore.Store
	claims repos.ClaimRepo
	runs   repos.PipelineRunRepo
	scores repos.ScoreResultRepo
	events repos.AuditEventRepo
	cfg    Config
}

func newHarness(t *testing.T, extractor extract.Extractor) *harness {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)

	dbService, err := db.NewMemory(t.Name(), log)
	require.NoError(t, err)
	require.NoError(t, dbService.AutoMigrateAll())
	gdb := dbService.DB()

	blobs, err := docstore.NewDiskBlobStore(t.TempDir(), log)
	require.NoError(t, err)

	documentRepo := repos.NewDocumentRepo(gdb, log)
	claimRepo := repos.NewClaimRepo(gdb, log)
	fieldRepo := repos.NewExtractedFieldRepo(gdb, log)
	scoreRepo := repos.NewScoreResultRepo(gdb, log)
	runRepo := repos.NewPipelineRunRepo(gdb, dbService.Dialect(), log)
	auditRepo := repos.NewAuditEventRepo(gdb, log)

	ruleSet, err := rules.Parse([]byte(testArtifact))
	require.NoError(t, err)

	store := docstore.NewStore(gdb, log, blobs, documentRepo)
	if extractor == nil {
		extractor = extract.NewLocalExtractor(log)
	}

	cfg := Config{
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		RetryDelay:    0,
		StaleRunning:  time.Minute,
		MaxConcurrent: 1,
	}
	coord := NewCoordinator(
		gdb, log,
		claimRepo, documentRepo, fieldRepo, scoreRepo, runRepo,
		store, extractor,
		score.NewScorer(ruleSet), route.NewTable(ruleSet),
		audit.NewRecorder(gdb, log, auditRepo),
		cfg,
	)
	coord.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	return &harness{
		coord:  coord,
		store:  store,
		claims: claimRepo,
		runs:   runRepo,
		scores: scoreRepo,
		events: auditRepo,
		cfg:    cfg,
	}
}

func docxBytes(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		fmt.Fprintf(&body, `<w:p><w:r><w:t>%s</w:t></w:r></w:p>`, p)
	}
	body.WriteString(`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write(body.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func (h *harness) submitDocx(t *testing.T, key string, paragraphs ...string) *types.Claim {
	t.Helper()
	ctx := context.Background()
	id, err := h.store.Put(ctx, docxBytes(t, paragraphs...), docstore.Metadata{
		OriginalName: "claim.docx",
		MimeType:     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	})
	require.NoError(t, err)
	claim, err := h.coord.Submit(ctx, []string{id}, key)
	require.NoError(t, err)
	return claim
}

// drain claims and processes runs until nothing is runnable.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		run, err := h.runs.ClaimNextRunnable(ctx, nil, h.cfg.MaxAttempts, h.cfg.RetryDelay, h.cfg.StaleRunning)
		require.NoError(t, err)
		if run == nil {
			return
		}
		h.coord.processRun(ctx, run)
	}
	t.Fatalf("runs never drained")
}

func (h *harness) reload(t *testing.T, claim *types.Claim) *types.Claim {
	t.Helper()
	got, err := h.claims.GetByID(context.Background(), nil, claim.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func (h *harness) stateSequence(t *testing.T, claim *types.Claim) []string {
	t.Helper()
	events, err := h.events.GetByClaimID(context.Background(), nil, claim.ID)
	require.NoError(t, err)
	var seq []string
	for _, ev := range events {
		if ev.Action != types.AuditActionStateChanged {
			continue
		}
		var detail map[string]any
		require.NoError(t, json.Unmarshal(ev.Detail, &detail))
		seq = append(seq, detail["to"].(string))
	}
	return seq
}

func TestSubmit_CreatesQueuedRun(t *testing.T) {
	h := newHarness(t, nil)
	claim := h.submitDocx(t, "", "Claim #: CLM-1 for $500")

	require.Equal(t, types.ClaimStateSubmitted, claim.State)
	run, err := h.runs.GetLatestByClaimID(context.Background(), nil, claim.ID)
	require.NoError(t, err)
	require.NotNil(t, run)
	require.Equal(t, types.RunStatusQueued, run.Status)
	require.Equal(t, types.RunStageExtract, run.Stage)
}

func TestSubmit_RequiresDocuments(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.coord.Submit(context.Background(), nil, "")
	require.ErrorIs(t, err, ErrNoDocuments)
}

func TestSubmit_IdempotencyKeyReturnsSameClaim(t *testing.T) {
	h := newHarness(t, nil)
	first := h.submitDocx(t, "key-1", "Policy #: POL-1")
	second := h.submitDocx(t, "key-1", "Policy #: POL-1")
	require.Equal(t, first.ID, second.ID)
}

func TestSubmit_IdempotencyKeyRejectsDifferentDocuments(t *testing.T) {
	h := newHarness(t, nil)
	h.submitDocx(t, "key-1", "Policy #: POL-1")

	ctx := context.Background()
	other, err := h.store.Put(ctx, docxBytes(t, "completely different"), docstore.Metadata{OriginalName: "other.docx"})
	require.NoError(t, err)
	_, err = h.coord.Submit(ctx, []string{other}, "key-1")
	require.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestPipeline_RoutesFraudClaimToInvestigation(t *testing.T) {
	h := newHarness(t, nil)
	claim := h.submitDocx(t, "",
		"Claim #: CLM-77 Policy #: POL-4411",
		"Adjuster notes suggest a staged collision, total loss $120,000.00",
	)
	h.drain(t)

	got := h.reload(t, claim)
	require.Equal(t, types.ClaimStateRouted, got.State)
	require.NotNil(t, got.AssignedTeam)
	require.Equal(t, "Fraud Investigation", *got.AssignedTeam)

	scoreRow, err := h.scores.GetByClaimID(context.Background(), nil, claim.ID)
	require.NoError(t, err)
	require.NotNil(t, scoreRow)
	require.Equal(t, 9, scoreRow.Severity)
}

func TestPipeline_StatesAdvanceInOrderWithoutSkips(t *testing.T) {
	h := newHarness(t, nil)
	claim := h.submitDocx(t, "", "Policy #: POL-1 routine claim for $200")
	h.drain(t)

	want := []string{"Extracting", "Extracted", "Scoring", "Scored", "Routing", "Routed"}
	require.Equal(t, want, h.stateSequence(t, claim))
}

type timeoutExtractor struct{ calls int }

func (e *timeoutExtractor) Extract(ctx context.Context, doc *types.Document, data []byte) ([]extract.Field, error) {
	e.calls++
	return nil, extract.ErrExtractionTimeout
}

func TestPipeline_TimeoutFailsAfterBoundedRetries(t *testing.T) {
	ext := &timeoutExtractor{}
	h := newHarness(t, ext)
	claim := h.submitDocx(t, "", "whatever")
	h.drain(t)

	require.Equal(t, h.cfg.MaxAttempts, ext.calls)

	got := h.reload(t, claim)
	require.Equal(t, types.ClaimStateFailed, got.State)
	require.Equal(t, "Extracting", got.FailedStage)
	require.Contains(t, got.FailureReason, "timed out")

	run, err := h.runs.GetLatestByClaimID(context.Background(), nil, claim.ID)
	require.NoError(t, err)
	require.Equal(t, types.RunStatusFailed, run.Status)
}

type corruptExtractor struct{ calls int }

func (e *corruptExtractor) Extract(ctx context.Context, doc *types.Document, data []byte) ([]extract.Field, error) {
	e.calls++
	return nil, fmt.Errorf("%w: synthetic", extract.ErrCorruptDocument)
}

func TestPipeline_CorruptDocumentFailsWithoutRetry(t *testing.T) {
	ext := &corruptExtractor{}
	h := newHarness(t, ext)
	claim := h.submitDocx(t, "", "whatever")
	h.drain(t)

	require.Equal(t, 1, ext.calls)
	got := h.reload(t, claim)
	require.Equal(t, types.ClaimStateFailed, got.State)
	require.Contains(t, got.FailureReason, "corrupt")
}

func TestCancel_BeforeProcessingFailsTheClaim(t *testing.T) {
	h := newHarness(t, nil)
	claim := h.submitDocx(t, "", "Policy #: POL-1")

	require.NoError(t, h.coord.Cancel(context.Background(), claim.ID, "ops"))
	h.drain(t)

	got := h.reload(t, claim)
	require.Equal(t, types.ClaimStateFailed, got.State)
	require.Equal(t, "cancelled", got.FailureReason)
}

func TestCancel_RoutedClaimIsRefused(t *testing.T) {
	h := newHarness(t, nil)
	claim := h.submitDocx(t, "", "Policy #: POL-1")
	h.drain(t)

	err := h.coord.Cancel(context.Background(), claim.ID, "ops")
	require.ErrorIs(t, err, ErrClaimTerminal)
}

func TestCancel_UnknownClaim(t *testing.T) {
	h := newHarness(t, nil)
	err := h.coord.Cancel(context.Background(), uuid.New(), "ops")
	require.ErrorIs(t, err, ErrClaimNotFound)
}

func TestRecompute_ReplacesScoreAndKeepsTeam(t *testing.T) {
	h := newHarness(t, nil)
	claim := h.submitDocx(t, "", "Policy #: POL-1 staged loss of $120,000.00")
	h.drain(t)

	before := h.reload(t, claim)
	require.NotNil(t, before.AssignedTeam)

	result, err := h.coord.Recompute(context.Background(), claim.ID, "ops")
	require.NoError(t, err)
	require.Equal(t, 9, result.Severity)

	after := h.reload(t, claim)
	require.Equal(t, before.AssignedTeam, after.AssignedTeam)

	events, err := h.events.GetByClaimID(context.Background(), nil, claim.ID)
	require.NoError(t, err)
	var replaced bool
	for _, ev := range events {
		if ev.Action == types.AuditActionScoreReplaced {
			replaced = true
		}
	}
	require.True(t, replaced, "expected a score_replaced audit event")
}

func TestRecompute_RefusedBeforeScoring(t *testing.T) {
	h := newHarness(t, nil)
	claim := h.submitDocx(t, "", "Policy #: POL-1")
	_, err := h.coord.Recompute(context.Background(), claim.ID, "ops")
	require.ErrorIs(t, err, ErrNotScored)
}

func TestPendingClaims_DropsToZeroAfterDrain(t *testing.T) {
	h := newHarness(t, nil)
	h.submitDocx(t, "", "Policy #: POL-1")

	pending, err := h.coord.PendingClaims(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)

	h.drain(t)
	pending, err = h.coord.PendingClaims(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 0, pending)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/yungbote/claimspipe/internal/audit"
	"github.com/yungbote/claimspipe/internal/docstore"
	"github.com/yungbote/claimspipe/internal/extract"
	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/repos"
	"github.com/yungbote/claimspipe/internal/route"
	"github.com/yungbote/claimspipe/internal/score"
	"github.com/yungbote/claimspipe/internal/types"
)

var (
	ErrClaimNotFound       = errors.New("claim not found")
	ErrNoDocuments         = errors.New("claim needs at least one document")
	ErrClaimTerminal       = errors.New("claim already reached a terminal state")
	ErrIdempotencyConflict = errors.New("idempotency key already used with a different document set")
	ErrNotScored           = errors.New("claim has not been scored yet")
	ErrNotRouted           = errors.New("claim has not been routed yet")
)

type Config struct {
	// MaxAttempts bounds in-place retries of the extraction stage before the
	// claim fails terminally.
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// PollInterval is the worker's idle tick.
	PollInterval time.Duration
	// RetryDelay and StaleRunning drive crash recovery of orphaned runs.
	RetryDelay   time.Duration
	StaleRunning time.Duration
	// MaxConcurrent bounds how many claims advance at once.
	MaxConcurrent int64
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		BackoffBase:   2 * time.Second,
		PollInterval:  time.Second,
		RetryDelay:    30 * time.Second,
		StaleRunning:  2 * time.Minute,
		MaxConcurrent: 4,
	}
}

// Coordinator owns every claim state transition. Claims advance strictly
// Submitted -> Extracting -> Extracted -> Scoring -> Scored -> Routing ->
// Routed, one stage at a time; Failed is reachable from any non-terminal
// state and nothing else ever mutates claim state.
type Coordinator struct {
	db        *gorm.DB
	log       *logger.Logger
	claims    repos.ClaimRepo
	docs      repos.DocumentRepo
	fields    repos.ExtractedFieldRepo
	scores    repos.ScoreResultRepo
	runs      repos.PipelineRunRepo
	store     *docstore.Store
	extractor extract.Extractor
	scorer    *score.Scorer
	router    *route.Table
	audit     *audit.Recorder
	cfg       Config
	sem       *semaphore.Weighted
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(
	db *gorm.DB,
	baseLog *logger.Logger,
	claims repos.ClaimRepo,
	docs repos.DocumentRepo,
	fields repos.ExtractedFieldRepo,
	scores repos.ScoreResultRepo,
	runs repos.PipelineRunRepo,
	store *docstore.Store,
	extractor extract.Extractor,
	scorer *score.Scorer,
	router *route.Table,
	auditRec *audit.Recorder,
	cfg Config,
) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Coordinator{
		db:        db,
		log:       baseLog.With("service", "PipelineCoordinator"),
		claims:    claims,
		docs:      docs,
		fields:    fields,
		scores:    scores,
		runs:      runs,
		store:     store,
		extractor: extractor,
		scorer:    scorer,
		router:    router,
		audit:     auditRec,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Submit registers a claim over already-stored documents and queues its run.
// With an idempotency key, a repeat submission returns the existing claim;
// reusing a key with different documents is a caller bug and is rejected.
// The claim and its run row are committed before Submit returns, so an
// acknowledged submission survives restart.
func (c *Coordinator) Submit(ctx context.Context, docIDs []string, idempotencyKey string) (*types.Claim, error) {
	if len(docIDs) == 0 {
		return nil, ErrNoDocuments
	}

	if idempotencyKey != "" {
		existing, err := c.claims.GetByIdempotencyKey(ctx, nil, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			same, err := c.sameDocumentSet(ctx, existing.ID, docIDs)
			if err != nil {
				return nil, err
			}
			if !same {
				return nil, ErrIdempotencyConflict
			}
			return existing, nil
		}
	}

	now := time.Now()
	claim := &types.Claim{
		ID:          uuid.New(),
		State:       types.ClaimStateSubmitted,
		SubmittedAt: now,
	}
	if idempotencyKey != "" {
		claim.IdempotencyKey = &idempotencyKey
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := c.claims.Create(ctx, tx, []*types.Claim{claim}); err != nil {
			return fmt.Errorf("create claim: %w", err)
		}
		if err := c.docs.AttachToClaim(ctx, tx, claim.ID, docIDs); err != nil {
			return fmt.Errorf("attach documents: %w", err)
		}
		run := &types.PipelineRun{
			ID:        uuid.New(),
			ClaimID:   claim.ID,
			Status:    types.RunStatusQueued,
			Stage:     types.RunStageExtract,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := c.runs.Create(ctx, tx, []*types.PipelineRun{run}); err != nil {
			return fmt.Errorf("create pipeline run: %w", err)
		}
		c.audit.Record(ctx, tx, audit.Entry{
			ClaimID: claim.ID,
			Action:  types.AuditActionSubmitted,
			Detail:  map[string]interface{}{"documents": docIDs},
		})
		return nil
	})
	if err != nil {
		// A concurrent submit with the same key may have won the unique
		// index race; resolve to the existing claim.
		if idempotencyKey != "" {
			if existing, lookupErr := c.claims.GetByIdempotencyKey(ctx, nil, idempotencyKey); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	c.log.Info("Claim submitted", "claim_id", claim.ID, "documents", len(docIDs))
	return claim, nil
}

func (c *Coordinator) sameDocumentSet(ctx context.Context, claimID uuid.UUID, docIDs []string) (bool, error) {
	attached, err := c.docs.GetByClaimID(ctx, nil, claimID)
	if err != nil {
		return false, fmt.Errorf("load claim documents: %w", err)
	}
	if len(attached) != len(docIDs) {
		return false, nil
	}
	for i, doc := range attached {
		if doc.ID != docIDs[i] {
			return false, nil
		}
	}
	return true, nil
}

// Cancel requests cooperative cancellation. The worker honors it between
// stages; a claim that already reached Routed stays Routed.
func (c *Coordinator) Cancel(ctx context.Context, claimID uuid.UUID, actor string) error {
	claim, err := c.claims.GetByID(ctx, nil, claimID)
	if err != nil {
		return err
	}
	if claim == nil {
		return ErrClaimNotFound
	}
	if claim.State.Terminal() {
		return ErrClaimTerminal
	}
	requested, err := c.runs.RequestCancel(ctx, nil, claimID)
	if err != nil {
		return err
	}
	if !requested {
		return ErrClaimTerminal
	}
	c.audit.Record(ctx, nil, audit.Entry{
		ClaimID: claimID,
		Action:  types.AuditActionCancelRequested,
		Actor:   actor,
	})
	return nil
}

// PendingClaims reports runs still queued or in flight, for the health probe.
func (c *Coordinator) PendingClaims(ctx context.Context) (int64, error) {
	return c.runs.CountPending(ctx, nil)
}

// StartWorker launches the polling loop that claims runnable runs and
// drives them. Lost workers are recovered through the stale-heartbeat path
// in ClaimNextRunnable.
func (c *Coordinator) StartWorker(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run, err := c.runs.ClaimNextRunnable(ctx, nil, c.cfg.MaxAttempts, c.cfg.RetryDelay, c.cfg.StaleRunning)
				if err != nil {
					c.log.Warn("ClaimNextRunnable failed", "error", err)
					continue
				}
				if run == nil {
					continue
				}
				if err := c.sem.Acquire(ctx, 1); err != nil {
					return
				}
				go func(run *types.PipelineRun) {
					defer c.sem.Release(1)
					c.processRun(ctx, run)
				}(run)
			}
		}
	}()
}

func (c *Coordinator) processRun(ctx context.Context, run *types.PipelineRun) {
	log := c.log.With("run_id", run.ID, "claim_id", run.ClaimID)

	claim, err := c.claims.GetByID(ctx, nil, run.ClaimID)
	if err != nil || claim == nil {
		log.Error("Run refers to unknown claim", "error", err)
		c.finishRun(ctx, run.ID, types.RunStatusFailed, run.Stage, "claim not found")
		return
	}
	if claim.State.Terminal() {
		c.finishRun(ctx, run.ID, types.RunStatusSucceeded, types.RunStageDone, "")
		return
	}

	for {
		if c.checkCancelled(ctx, run, claim) {
			return
		}

		current, err := c.runs.GetByID(ctx, nil, run.ID)
		if err != nil || current == nil {
			log.Error("Failed to reload run", "error", err)
			return
		}
		_ = c.runs.Heartbeat(ctx, nil, run.ID)

		switch current.Stage {
		case types.RunStageExtract:
			if !c.runExtract(ctx, current, claim) {
				return
			}
		case types.RunStageScore:
			if !c.runScore(ctx, current, claim) {
				return
			}
		case types.RunStageRoute:
			if !c.runRoute(ctx, current, claim) {
				return
			}
		case types.RunStageDone:
			c.finishRun(ctx, run.ID, types.RunStatusSucceeded, types.RunStageDone, "")
			return
		default:
			c.failClaim(ctx, current, claim, current.Stage, fmt.Errorf("unknown stage %q", current.Stage))
			return
		}
	}
}

// runExtract drives Submitted -> Extracting -> Extracted. Timeouts retry in
// place with doubling backoff; format and corruption errors are input
// errors and fail the claim immediately.
func (c *Coordinator) runExtract(ctx context.Context, run *types.PipelineRun, claim *types.Claim) bool {
	if claim.State == types.ClaimStateSubmitted {
		if !c.setState(ctx, claim, types.ClaimStateExtracting, run.Stage) {
			return false
		}
	}

	docs, err := c.docs.GetByClaimID(ctx, nil, claim.ID)
	if err != nil {
		c.retryOrFail(ctx, run, claim, fmt.Errorf("load documents: %w", err))
		return false
	}
	if len(docs) == 0 {
		c.failClaim(ctx, run, claim, run.Stage, ErrNoDocuments)
		return false
	}

	var collected []extract.Field
	for _, doc := range docs {
		fields, err := c.extractDocument(ctx, run, doc)
		if err != nil {
			// Shutdown mid-extraction leaves the run running; the stale
			// heartbeat path hands it to another worker.
			if errors.Is(err, context.Canceled) {
				return false
			}
			// extractDocument already exhausted the retry budget for
			// transient errors, so anything surfacing here is final.
			c.failClaim(ctx, run, claim, run.Stage, err)
			return false
		}
		collected = append(collected, fields...)
		_ = c.runs.Heartbeat(ctx, nil, run.ID)
	}

	rows := make([]*types.ExtractedField, 0, len(collected))
	now := time.Now()
	for _, f := range collected {
		rows = append(rows, &types.ExtractedField{
			ID:              uuid.New(),
			ClaimID:         claim.ID,
			Key:             f.Key,
			Value:           f.Value,
			Confidence:      f.Confidence,
			CitationDocID:   f.Citation.DocumentID,
			CitationPage:    f.Citation.Page,
			CitationOffset:  f.Citation.Offset,
			CitationExcerpt: f.Citation.Excerpt,
			CreatedAt:       now,
		})
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-extraction after crash recovery replaces, never duplicates.
		if err := c.fields.DeleteByClaimID(ctx, tx, claim.ID); err != nil {
			return err
		}
		if _, err := c.fields.Create(ctx, tx, rows); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		c.retryOrFail(ctx, run, claim, fmt.Errorf("persist fields: %w", err))
		return false
	}

	if !c.setState(ctx, claim, types.ClaimStateExtracted, run.Stage) {
		return false
	}
	return c.advanceStage(ctx, run, types.RunStageScore)
}

// extractDocument applies the bounded retry policy around the extraction
// seam for one document.
func (c *Coordinator) extractDocument(ctx context.Context, run *types.PipelineRun, doc *types.Document) ([]extract.Field, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		data, _, err := c.store.Get(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		fields, err := c.extractor.Extract(ctx, doc, data)
		if err == nil {
			return fields, nil
		}
		if isFatalExtractionErr(err) {
			return nil, err
		}
		lastErr = err
		c.log.Warn("Extraction attempt failed",
			"claim_id", run.ClaimID,
			"document_id", doc.ID,
			"attempt", attempt,
			"error", err,
		)
		c.audit.Record(ctx, nil, audit.Entry{
			ClaimID: run.ClaimID,
			Stage:   run.Stage,
			Action:  types.AuditActionStageRetried,
			Cause:   err.Error(),
			Detail:  map[string]interface{}{"attempt": attempt, "document_id": doc.ID},
		})
		if attempt < c.cfg.MaxAttempts {
			backoff := c.cfg.BackoffBase << (attempt - 1)
			if sleepErr := c.sleep(ctx, backoff); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}
	return nil, lastErr
}

func isFatalExtractionErr(err error) bool {
	return errors.Is(err, extract.ErrUnsupportedFormat) ||
		errors.Is(err, extract.ErrCorruptDocument) ||
		errors.Is(err, extract.ErrMissingCitation) ||
		errors.Is(err, docstore.ErrNotFound)
}

// runScore drives Extracted -> Scoring -> Scored. Scoring is pure and never
// fails on valid input; only persistence can, and that path retries.
func (c *Coordinator) runScore(ctx context.Context, run *types.PipelineRun, claim *types.Claim) bool {
	if claim.State == types.ClaimStateExtracted {
		if !c.setState(ctx, claim, types.ClaimStateScoring, run.Stage) {
			return false
		}
	}

	fields, err := c.fields.GetByClaimID(ctx, nil, claim.ID)
	if err != nil {
		c.retryOrFail(ctx, run, claim, fmt.Errorf("load fields: %w", err))
		return false
	}

	result := c.scorer.Score(fields)
	if err := c.persistScore(ctx, claim.ID, result, ""); err != nil {
		c.retryOrFail(ctx, run, claim, fmt.Errorf("persist score: %w", err))
		return false
	}

	if !c.setState(ctx, claim, types.ClaimStateScored, run.Stage) {
		return false
	}
	return c.advanceStage(ctx, run, types.RunStageRoute)
}

// runRoute drives Scored -> Routing -> Routed. The rule table was validated
// at startup, so a failure here is a programming error and immediately
// terminal: re-evaluating a pure function over unchanged input cannot end
// differently.
func (c *Coordinator) runRoute(ctx context.Context, run *types.PipelineRun, claim *types.Claim) bool {
	if claim.State == types.ClaimStateScored {
		if !c.setState(ctx, claim, types.ClaimStateRouting, run.Stage) {
			return false
		}
	}

	scoreRow, err := c.scores.GetByClaimID(ctx, nil, claim.ID)
	if err != nil || scoreRow == nil {
		c.failClaim(ctx, run, claim, run.Stage, fmt.Errorf("score missing for routing: %v", err))
		return false
	}

	result, err := resultFromRow(scoreRow)
	if err != nil {
		c.failClaim(ctx, run, claim, run.Stage, err)
		return false
	}
	team := c.router.Route(result)

	now := time.Now()
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Team assignment and the Routed transition commit together so the
		// "assigned_team iff Routed" invariant holds at every instant.
		if err := c.claims.UpdateFields(ctx, tx, claim.ID, map[string]interface{}{
			"assigned_team": team,
			"state":         types.ClaimStateRouted,
			"updated_at":    now,
		}); err != nil {
			return err
		}
		c.audit.Record(ctx, tx, audit.Entry{
			ClaimID: claim.ID,
			Stage:   run.Stage,
			Action:  types.AuditActionTeamAssigned,
			Detail:  map[string]interface{}{"team": team},
		})
		c.audit.Record(ctx, tx, audit.Entry{
			ClaimID: claim.ID,
			Stage:   run.Stage,
			Action:  types.AuditActionStateChanged,
			Detail:  map[string]interface{}{"from": claim.State, "to": types.ClaimStateRouted},
		})
		return nil
	})
	if err != nil {
		c.retryOrFail(ctx, run, claim, fmt.Errorf("persist routing: %w", err))
		return false
	}
	claim.State = types.ClaimStateRouted
	claim.AssignedTeam = &team

	c.log.Info("Claim routed", "claim_id", claim.ID, "team", team)
	c.finishRun(ctx, run.ID, types.RunStatusSucceeded, types.RunStageDone, "")
	return false
}

// setState advances the claim exactly one step and audits the transition.
func (c *Coordinator) setState(ctx context.Context, claim *types.Claim, next types.ClaimState, stage string) bool {
	expected, ok := claim.State.Next()
	if !ok || expected != next {
		c.log.Error("Illegal state transition attempted",
			"claim_id", claim.ID,
			"from", claim.State,
			"to", next,
		)
		return false
	}
	now := time.Now()
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := c.claims.UpdateFields(ctx, tx, claim.ID, map[string]interface{}{
			"state":      next,
			"updated_at": now,
		}); err != nil {
			return err
		}
		c.audit.Record(ctx, tx, audit.Entry{
			ClaimID: claim.ID,
			Stage:   stage,
			Action:  types.AuditActionStateChanged,
			Detail:  map[string]interface{}{"from": claim.State, "to": next},
		})
		return nil
	})
	if err != nil {
		c.log.Error("Failed to persist state transition", "claim_id", claim.ID, "to", next, "error", err)
		return false
	}
	claim.State = next
	return true
}

func (c *Coordinator) advanceStage(ctx context.Context, run *types.PipelineRun, next string) bool {
	now := time.Now()
	err := c.runs.UpdateFields(ctx, nil, run.ID, map[string]interface{}{
		"stage":        next,
		"heartbeat_at": now,
		"updated_at":   now,
	})
	if err != nil {
		c.log.Error("Failed to advance run stage", "run_id", run.ID, "stage", next, "error", err)
		return false
	}
	run.Stage = next
	return true
}

// retryOrFail releases the run back to the queue for a later attempt, or
// fails the claim when attempts are exhausted. Claim state does not advance
// on a retryable failure.
func (c *Coordinator) retryOrFail(ctx context.Context, run *types.PipelineRun, claim *types.Claim, cause error) {
	if run.Attempts >= c.cfg.MaxAttempts {
		c.failClaim(ctx, run, claim, run.Stage, cause)
		return
	}
	now := time.Now()
	c.log.Warn("Stage failed, will retry",
		"claim_id", claim.ID,
		"stage", run.Stage,
		"attempts", run.Attempts,
		"error", cause,
	)
	c.audit.Record(ctx, nil, audit.Entry{
		ClaimID: claim.ID,
		Stage:   run.Stage,
		Action:  types.AuditActionStageRetried,
		Cause:   cause.Error(),
		Detail:  map[string]interface{}{"attempts": run.Attempts},
	})
	_ = c.runs.UpdateFields(ctx, nil, run.ID, map[string]interface{}{
		"status":        types.RunStatusFailed,
		"error":         cause.Error(),
		"last_error_at": now,
		"locked_at":     nil,
		"updated_at":    now,
	})
}

func (c *Coordinator) failClaim(ctx context.Context, run *types.PipelineRun, claim *types.Claim, stage string, cause error) {
	now := time.Now()
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := c.claims.UpdateFields(ctx, tx, claim.ID, map[string]interface{}{
			"state":          types.ClaimStateFailed,
			"failed_stage":   string(claim.State),
			"failure_reason": cause.Error(),
			"updated_at":     now,
		}); err != nil {
			return err
		}
		c.audit.Record(ctx, tx, audit.Entry{
			ClaimID: claim.ID,
			Stage:   stage,
			Action:  types.AuditActionStageFailed,
			Cause:   cause.Error(),
		})
		return nil
	})
	if err != nil {
		c.log.Error("Failed to mark claim failed", "claim_id", claim.ID, "error", err)
	}
	c.log.Error("Claim failed",
		"claim_id", claim.ID,
		"stage", stage,
		"state", claim.State,
		"error", cause,
	)
	// Attempts pinned to the bound so the run is never re-claimed.
	_ = c.runs.UpdateFields(ctx, nil, run.ID, map[string]interface{}{
		"status":        types.RunStatusFailed,
		"error":         cause.Error(),
		"attempts":      c.cfg.MaxAttempts,
		"last_error_at": now,
		"locked_at":     nil,
		"updated_at":    now,
	})
	claim.State = types.ClaimStateFailed
}

func (c *Coordinator) checkCancelled(ctx context.Context, run *types.PipelineRun, claim *types.Claim) bool {
	current, err := c.runs.GetByID(ctx, nil, run.ID)
	if err != nil || current == nil {
		return false
	}
	if !current.CancelRequested {
		return false
	}
	now := time.Now()
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := c.claims.UpdateFields(ctx, tx, claim.ID, map[string]interface{}{
			"state":          types.ClaimStateFailed,
			"failed_stage":   string(claim.State),
			"failure_reason": "cancelled",
			"updated_at":     now,
		}); err != nil {
			return err
		}
		c.audit.Record(ctx, tx, audit.Entry{
			ClaimID: claim.ID,
			Stage:   current.Stage,
			Action:  types.AuditActionCancelled,
		})
		return nil
	})
	if err != nil {
		c.log.Error("Failed to cancel claim", "claim_id", claim.ID, "error", err)
		return false
	}
	c.finishRun(ctx, run.ID, types.RunStatusCancelled, current.Stage, "cancelled")
	claim.State = types.ClaimStateFailed
	return true
}

func (c *Coordinator) finishRun(ctx context.Context, runID uuid.UUID, status, stage, errMsg string) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":     status,
		"stage":      stage,
		"locked_at":  nil,
		"updated_at": now,
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if err := c.runs.UpdateFields(ctx, nil, runID, updates); err != nil {
		c.log.Error("Failed to finish run", "run_id", runID, "error", err)
	}
}

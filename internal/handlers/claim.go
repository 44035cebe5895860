package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/claimspipe/internal/audit"
	"github.com/yungbote/claimspipe/internal/docstore"
	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/pipeline"
	"github.com/yungbote/claimspipe/internal/services"
)

const maxUploadBytes = 32 << 20

type ClaimHandler struct {
	log          *logger.Logger
	claimService services.ClaimService
	store        *docstore.Store
	coordinator  *pipeline.Coordinator
	audit        *audit.Recorder
}

func NewClaimHandler(log *logger.Logger, csvc services.ClaimService, store *docstore.Store, coord *pipeline.Coordinator, auditRec *audit.Recorder) *ClaimHandler {
	return &ClaimHandler{
		log:          log.With("handler", "ClaimHandler"),
		claimService: csvc,
		store:        store,
		coordinator:  coord,
		audit:        auditRec,
	}
}

// POST /api/claims
// Multipart submission: every part named "documents" is stored
// content-addressed, then the claim is queued. An Idempotency-Key header
// makes the call safely repeatable.
func (h *ClaimHandler) SubmitClaim(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_multipart", err)
		return
	}
	files := form.File["documents"]
	if len(files) == 0 {
		RespondError(c, http.StatusBadRequest, "no_documents", pipeline.ErrNoDocuments)
		return
	}

	docIDs := make([]string, 0, len(files))
	for _, fh := range files {
		if fh.Size > maxUploadBytes {
			RespondError(c, http.StatusRequestEntityTooLarge, "document_too_large", errors.New(fh.Filename+" exceeds the upload limit"))
			return
		}
		f, err := fh.Open()
		if err != nil {
			RespondError(c, http.StatusBadRequest, "unreadable_document", err)
			return
		}
		data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
		f.Close()
		if err != nil {
			RespondError(c, http.StatusBadRequest, "unreadable_document", err)
			return
		}
		id, err := h.store.Put(c.Request.Context(), data, docstore.Metadata{
			OriginalName: fh.Filename,
			MimeType:     fh.Header.Get("Content-Type"),
		})
		if err != nil {
			if errors.Is(err, docstore.ErrEmpty) {
				RespondError(c, http.StatusBadRequest, "empty_document", err)
				return
			}
			RespondError(c, http.StatusInternalServerError, "store_failed", err)
			return
		}
		docIDs = append(docIDs, id)
	}

	claim, err := h.coordinator.Submit(c.Request.Context(), docIDs, c.GetHeader("Idempotency-Key"))
	if err != nil {
		if errors.Is(err, pipeline.ErrIdempotencyConflict) {
			RespondError(c, http.StatusConflict, "idempotency_conflict", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "submit_failed", err)
		return
	}

	status, err := h.claimService.Get(c.Request.Context(), claim.ID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "status_failed", err)
		return
	}
	RespondAccepted(c, status)
}

// GET /api/claims
func (h *ClaimHandler) ListClaims(c *gin.Context) {
	limit := parseIntParam(c, "limit", 50)
	offset := parseIntParam(c, "offset", 0)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	claims, total, err := h.claimService.List(c.Request.Context(), limit, offset)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_failed", err)
		return
	}
	RespondOK(c, gin.H{"claims": claims, "total": total, "limit": limit, "offset": offset})
}

// GET /api/claims/:id
func (h *ClaimHandler) GetClaim(c *gin.Context) {
	id, ok := claimID(c)
	if !ok {
		return
	}
	status, err := h.claimService.Get(c.Request.Context(), id)
	if err != nil {
		respondClaimErr(c, err)
		return
	}
	RespondOK(c, status)
}

// GET /api/claims/:id/fields
func (h *ClaimHandler) GetFields(c *gin.Context) {
	id, ok := claimID(c)
	if !ok {
		return
	}
	fields, err := h.claimService.Fields(c.Request.Context(), id)
	if err != nil {
		respondClaimErr(c, err)
		return
	}
	RespondOK(c, gin.H{"fields": fields})
}

type reassignRequest struct {
	ToTeam string `json:"to_team" binding:"required"`
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason"`
}

// POST /api/claims/:id/reassign
func (h *ClaimHandler) Reassign(c *gin.Context) {
	id, ok := claimID(c)
	if !ok {
		return
	}
	var req reassignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	status, err := h.claimService.Reassign(c.Request.Context(), id, req.ToTeam, req.Actor, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrNotRouted):
			RespondError(c, http.StatusConflict, "not_routed", err)
		case errors.Is(err, services.ErrBadTeam), errors.Is(err, services.ErrBadActor):
			RespondError(c, http.StatusBadRequest, "bad_request", err)
		default:
			respondClaimErr(c, err)
		}
		return
	}
	RespondOK(c, status)
}

// GET /api/claims/:id/history
func (h *ClaimHandler) History(c *gin.Context) {
	id, ok := claimID(c)
	if !ok {
		return
	}
	history, err := h.claimService.History(c.Request.Context(), id)
	if err != nil {
		respondClaimErr(c, err)
		return
	}
	RespondOK(c, gin.H{"reassignments": history})
}

type cancelRequest struct {
	Actor string `json:"actor"`
}

// POST /api/claims/:id/cancel
func (h *ClaimHandler) Cancel(c *gin.Context) {
	id, ok := claimID(c)
	if !ok {
		return
	}
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)
	if err := h.coordinator.Cancel(c.Request.Context(), id, req.Actor); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrClaimTerminal):
			RespondError(c, http.StatusConflict, "already_terminal", err)
		default:
			respondClaimErr(c, err)
		}
		return
	}
	c.Status(http.StatusAccepted)
}

// POST /api/claims/:id/recompute
// Re-runs scoring over the stored fields; routing and any manual team
// assignment are left alone.
func (h *ClaimHandler) Recompute(c *gin.Context) {
	id, ok := claimID(c)
	if !ok {
		return
	}
	actor := c.GetHeader("X-Actor")
	if actor == "" {
		actor = "api"
	}
	result, err := h.coordinator.Recompute(c.Request.Context(), id, actor)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotScored) {
			RespondError(c, http.StatusConflict, "not_scored", err)
			return
		}
		respondClaimErr(c, err)
		return
	}
	RespondOK(c, result)
}

// GET /api/claims/:id/audit
// ?format=jsonl streams the trail in the compliance interchange format.
func (h *ClaimHandler) AuditTrail(c *gin.Context) {
	id, ok := claimID(c)
	if !ok {
		return
	}
	if c.Query("format") == "jsonl" {
		c.Header("Content-Type", "application/x-ndjson")
		if err := h.audit.ExportJSONL(c.Request.Context(), id, c.Writer); err != nil {
			h.log.Error("Audit export failed", "claim_id", id, "error", err)
		}
		return
	}
	events, err := h.audit.Trail(c.Request.Context(), id)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "audit_failed", err)
		return
	}
	RespondOK(c, gin.H{"events": events})
}

func claimID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_claim_id", err)
		return uuid.Nil, false
	}
	return id, true
}

func respondClaimErr(c *gin.Context, err error) {
	if errors.Is(err, pipeline.ErrClaimNotFound) {
		RespondError(c, http.StatusNotFound, "claim_not_found", err)
		return
	}
	RespondError(c, http.StatusInternalServerError, "internal_error", err)
}

func parseIntParam(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

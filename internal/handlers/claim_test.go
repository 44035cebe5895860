package handlers_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/claimspipe/internal/audit"
	"github.com/yungbote/claimspipe/internal/db"
	"github.com/yungbote/claimspipe/internal/docstore"
	"github.com/yungbote/claimspipe/internal/extract"
	"github.com/yungbote/claimspipe/internal/handlers"
	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/pipeline"
	"github.com/yungbote/claimspipe/internal/repos"
	"github.com/yungbote/claimspipe/internal/route"
	"github.com/yungbote/claimspipe/internal/rules"
	"github.com/yungbote/claimspipe/internal/score"
	"github.com/yungbote/claimspipe/internal/server"
	"github.com/yungbote/claimspipe/internal/services"
)

const handlerTestArtifact = `
version: 1
scoring:
  baseline_severity: 2
  high_value_amount: 50000
  amount_thresholds:
    - min_amount: 100000
      severity: 9
  keyword_flags:
    - keywords: ["staged"]
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
`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
	reassignmentRepo := repos.NewReassignmentRepo(gdb, log)
	auditRepo := repos.NewAuditEventRepo(gdb, log)

	ruleSet, err := rules.Parse([]byte(handlerTestArtifact))
	require.NoError(t, err)

	store := docstore.NewStore(gdb, log, blobs, documentRepo)
	auditRec := audit.NewRecorder(gdb, log, auditRepo)

	cfg := pipeline.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.BackoffBase = time.Millisecond
	coord := pipeline.NewCoordinator(
		gdb, log,
		claimRepo, documentRepo, fieldRepo, scoreRepo, runRepo,
		store, extract.NewLocalExtractor(log),
		score.NewScorer(ruleSet), route.NewTable(ruleSet),
		auditRec, cfg,
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	coord.StartWorker(ctx)

	claimService := services.NewClaimService(gdb, log, claimRepo, documentRepo, fieldRepo, scoreRepo, reassignmentRepo, auditRec)
	router := server.NewRouter(server.RouterConfig{
		ClaimHandler:  handlers.NewClaimHandler(log, claimService, store, coord, auditRec),
		HealthHandler: handlers.NewHealthHandler(log, coord),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func docxUpload(t *testing.T, text string) (*bytes.Buffer, string) {
	t.Helper()
	var doc bytes.Buffer
	zw := zip.NewWriter(&doc)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	fmt.Fprintf(w, `<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>%s</w:t></w:r></w:p></w:body></w:document>`, text)
	require.NoError(t, zw.Close())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("documents", "claim.docx")
	require.NoError(t, err)
	_, err = part.Write(doc.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func submitClaim(t *testing.T, srv *httptest.Server, text, idempotencyKey string) map[string]any {
	t.Helper()
	body, contentType := docxUpload(t, text)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/claims", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func getClaim(t *testing.T, srv *httptest.Server, id string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(srv.URL + "/api/claims/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func waitForState(t *testing.T, srv *httptest.Server, id, want string) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		code, claim := getClaim(t, srv, id)
		if code != http.StatusOK {
			return false
		}
		last = claim
		return claim["state"] == want
	}, 5*time.Second, 20*time.Millisecond, "claim never reached %s (last: %v)", want, last)
	return last
}

func TestSubmitClaim_RunsToRouted(t *testing.T) {
	srv := newTestServer(t)

	created := submitClaim(t, srv, "Policy #: POL-1 a staged loss of $120,000.00", "")
	id := created["id"].(string)
	require.Equal(t, "Submitted", created["state"])

	claim := waitForState(t, srv, id, "Routed")
	require.Equal(t, "Fraud Investigation", claim["assigned_team"])
	score := claim["score"].(map[string]any)
	require.EqualValues(t, 9, score["severity"])
}

func TestSubmitClaim_WithoutDocumentsIsRejected(t *testing.T) {
	srv := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/claims", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitClaim_IdempotencyKeyDeduplicates(t *testing.T) {
	srv := newTestServer(t)

	text := "Policy #: POL-9 routine claim"
	first := submitClaim(t, srv, text, "op-123")
	second := submitClaim(t, srv, text, "op-123")
	require.Equal(t, first["id"], second["id"])
}

func TestGetClaim_BadIDAndUnknownID(t *testing.T) {
	srv := newTestServer(t)

	code, _ := getClaim(t, srv, "not-a-uuid")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = getClaim(t, srv, "2f6e38c2-52ad-4bbf-9cf5-1f9f71a06a1c")
	require.Equal(t, http.StatusNotFound, code)
}

func TestReassign_OverHTTP(t *testing.T) {
	srv := newTestServer(t)

	created := submitClaim(t, srv, "Policy #: POL-2 minor scrape", "")
	id := created["id"].(string)
	waitForState(t, srv, id, "Routed")

	payload, _ := json.Marshal(map[string]string{
		"to_team": "Fraud Investigation",
		"actor":   "supervisor",
		"reason":  "second look",
	})
	resp, err := http.Post(srv.URL+"/api/claims/"+id+"/reassign", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "Fraud Investigation", out["assigned_team"])
	require.EqualValues(t, 1, out["reassignments"])
}

func TestAuditTrail_JSONLExport(t *testing.T) {
	srv := newTestServer(t)

	created := submitClaim(t, srv, "Policy #: POL-3", "")
	id := created["id"].(string)
	waitForState(t, srv, id, "Routed")

	resp, err := http.Get(srv.URL + "/api/claims/" + id + "/audit?format=jsonl")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
}

func TestHealthcheck_ReportsPending(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthcheck")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "ok", out["status"])
}

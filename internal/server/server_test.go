package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var actorHeaders = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowActorHeader: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestApprovalLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"agency":  "Parks Department",
		"subject": "Trail maintenance records 2024",
	}, actorHeaders)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create case status %d: %s", createRes.StatusCode, string(data))
	}
	var created domain.Case
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	if created.Mode != "supervised" {
		t.Fatalf("expected default supervised mode, got %s", created.Mode)
	}

	ingestRes, ingestBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/messages", map[string]any{
		"subject": "Re: records request",
		"body":    "Could you please clarify which department's records you are seeking?",
	}, actorHeaders)
	if ingestRes.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status %d: %s", ingestRes.StatusCode, string(ingestBody))
	}
	var ingested IngestResponse
	if err := json.Unmarshal(ingestBody, &ingested); err != nil {
		t.Fatalf("unmarshal ingest: %v", err)
	}
	if ingested.Run.Status != domain.RunWaiting {
		t.Fatalf("expected waiting run, got %s", ingested.Run.Status)
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals?case_id="+created.ID+"&status="+domain.ProposalPendingApproval, nil, actorHeaders)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list proposals status %d: %s", listRes.StatusCode, string(listBody))
	}
	var pending proposalList
	if err := json.Unmarshal(listBody, &pending); err != nil {
		t.Fatalf("unmarshal proposals: %v", err)
	}
	if len(pending.Items) != 1 {
		t.Fatalf("expected 1 pending proposal, got %d", len(pending.Items))
	}
	proposal := pending.Items[0]
	if proposal.Action != domain.ActionAnswerClarification {
		t.Fatalf("expected answer_clarification, got %s", proposal.Action)
	}

	decideRes, decideBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+proposal.ID+"/decision", map[string]any{
		"decision": domain.DecisionApprove,
	}, actorHeaders)
	if decideRes.StatusCode != http.StatusOK {
		t.Fatalf("decision status %d: %s", decideRes.StatusCode, string(decideBody))
	}
	var decided DecisionResponse
	if err := json.Unmarshal(decideBody, &decided); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if !decided.Resumed {
		t.Fatalf("expected decision to resume the run")
	}
	if decided.Proposal.Status != domain.ProposalExecuted {
		t.Fatalf("expected executed proposal, got %s", decided.Proposal.Status)
	}

	caseRes, caseBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.ID, nil, actorHeaders)
	if caseRes.StatusCode != http.StatusOK {
		t.Fatalf("get case status %d: %s", caseRes.StatusCode, string(caseBody))
	}
	var after domain.Case
	_ = json.Unmarshal(caseBody, &after)
	if after.Status != domain.CaseSent {
		t.Fatalf("expected case sent after approval, got %s", after.Status)
	}

	execsRes, execsBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions?case_id="+created.ID, nil, actorHeaders)
	if execsRes.StatusCode != http.StatusOK {
		t.Fatalf("list executions status %d: %s", execsRes.StatusCode, string(execsBody))
	}
	var execs executionList
	_ = json.Unmarshal(execsBody, &execs)
	if len(execs.Items) != 1 || execs.Items[0].Status != domain.ExecutionCompleted {
		t.Fatalf("expected one completed execution, got %+v", execs.Items)
	}
}

func TestSecondDecisionConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"agency":  "City Clerk",
		"subject": "Meeting minutes",
	}, actorHeaders)
	var created domain.Case
	_ = json.Unmarshal(data, &created)

	_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/messages", map[string]any{
		"body": "Could you please clarify which department's records you are seeking?",
	}, actorHeaders)

	_, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals?case_id="+created.ID, nil, actorHeaders)
	var pending proposalList
	_ = json.Unmarshal(listBody, &pending)
	if len(pending.Items) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(pending.Items))
	}
	proposalID := pending.Items[0].ID

	first, firstBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+proposalID+"/decision", map[string]any{
		"decision": domain.DecisionDismiss,
		"note":     "tone is off",
	}, actorHeaders)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first decision status %d: %s", first.StatusCode, string(firstBody))
	}

	second, secondBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+proposalID+"/decision", map[string]any{
		"decision": domain.DecisionApprove,
	}, actorHeaders)
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", second.StatusCode, string(secondBody))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(secondBody, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "already_decided" {
		t.Fatalf("expected already_decided, got %s", envelope.Error.Code)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(body))
	}

	healthRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", healthRes.StatusCode)
	}
}

func TestAPIKeyAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, createBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{
		"actor_id": "ops-bot",
		"name":     "ops",
		"key":      "s3cret-key",
	}, actorHeaders)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", createRes.StatusCode, string(createBody))
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases", nil, map[string]string{"X-Api-Key": "s3cret-key"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth failed: %d %s", res.StatusCode, string(body))
	}

	bad, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases", nil, map[string]string{"X-Api-Key": "wrong"})
	if bad.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", bad.StatusCode)
	}
}

func TestUnknownCaseIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/nope", nil, actorHeaders)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(body))
	}
}

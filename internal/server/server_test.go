package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"hubline/internal/domain"
	"hubline/internal/engine"
	"hubline/internal/engine/auth"
	"hubline/internal/jobs"
	"hubline/internal/logging"
	"hubline/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Store  *repo.Memory
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

type testOptions struct {
	health   HealthChecker
	devLogin bool
	delay    time.Duration
	origin   string
}

type failingHealth struct{}

func (failingHealth) Ping(context.Context) error { return errors.New("disk gone") }

func newTestServer(t *testing.T, opts testOptions) (*testServer, func()) {
	t.Helper()
	log := logging.Discard()
	store := repo.NewMemory()
	delay := opts.delay
	if delay <= 0 {
		delay = time.Millisecond
	}
	je := jobs.New(store, jobs.TemplateGenerator{}, jobs.Config{
		TTL:             time.Hour,
		PollInterval:    2 * time.Second,
		CompletionDelay: delay,
		Workers:         2,
	}, log)
	health := opts.health
	if health == nil {
		health = store
	}
	handler, err := New(Config{
		Decisions:  engine.New(store, log),
		Jobs:       je,
		Health:     health,
		BasePath:   "/v1",
		CORSOrigin: opts.origin,
		Auth:       AuthConfig{JWTSecret: testSecret, DevLogin: opts.devLogin},
		Log:        log,
		Version:    "test",
	})
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
		Store:  store,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			je.Close(ctx)
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func tokenFor(t *testing.T, p auth.Principal) map[string]string {
	t.Helper()
	token, _, err := SignToken(AuthConfig{JWTSecret: testSecret}, p, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func staffOf(hubs ...string) auth.Principal {
	return auth.Principal{ActorID: "staff-1", Name: "Sam Staff", Staff: true, Hubs: hubs}
}

func clientOf(hubs ...string) auth.Principal {
	return auth.Principal{ActorID: "client-1", Name: "Casey Client", Hubs: hubs}
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

type envelope struct {
	Error struct {
		Code      string         `json:"code"`
		Message   string         `json:"message"`
		Details   map[string]any `json:"details"`
		Retryable bool           `json:"retryable"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, data []byte) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	if env.Error.Code == "" {
		t.Fatalf("missing error code: %s", string(data))
	}
	return env
}

func createDecision(t *testing.T, srv *testServer, hubID string, headers map[string]string, body map[string]any) domain.DecisionItem {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/hubs/"+hubID+"/decision-queue", body, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create decision status %d: %s", res.StatusCode, string(data))
	}
	var item domain.DecisionItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	return item
}

func TestDecisionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()
	staff := tokenFor(t, staffOf("hub-1"))
	base := srv.URL + "/v1/hubs/hub-1/decision-queue"

	item := createDecision(t, srv, "hub-1", staff, map[string]any{"title": "Approve homepage hero design"})
	if item.Status != domain.DecisionOpen {
		t.Fatalf("expected open, got %s", item.Status)
	}
	if item.DueDate != nil {
		t.Fatalf("expected no due date, got %v", item.DueDate)
	}
	if item.RequestedBy != "staff-1" {
		t.Fatalf("expected requested_by staff-1, got %q", item.RequestedBy)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPatch, base+"/"+item.ID, map[string]any{"status": "in_review"}, staff)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("to in_review status %d: %s", res.StatusCode, string(data))
	}
	var updated UpdateDecisionStatusResponse
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	if updated.Transition.FromStatus != domain.DecisionOpen || updated.Transition.ToStatus != domain.DecisionInReview {
		t.Fatalf("unexpected transition %s -> %s", updated.Transition.FromStatus, updated.Transition.ToStatus)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, base+"/"+item.ID, map[string]any{"status": "approved", "comment": "looks great"}, staff)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("to approved status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, base+"/"+item.ID, map[string]any{"status": "declined"}, staff)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if env.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", env.Error.Code)
	}
	if env.Error.Details["from"] != "approved" || env.Error.Details["to"] != "declined" {
		t.Fatalf("unexpected conflict details %v", env.Error.Details)
	}
	if env.Error.Retryable {
		t.Fatalf("conflict must not be retryable")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/"+item.ID, nil, staff)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var fetched domain.DecisionItem
	_ = json.Unmarshal(data, &fetched)
	if fetched.Status != domain.DecisionApproved {
		t.Fatalf("rejected change leaked: status %s", fetched.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/"+item.ID+"/history", nil, staff)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var history HistoryResponse
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history.Items) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(history.Items))
	}
	if history.Items[1].Comment != "looks great" {
		t.Fatalf("expected comment on approval, got %q", history.Items[1].Comment)
	}
}

func TestStaleExpectedStatusConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()
	staff := tokenFor(t, staffOf("hub-1"))
	item := createDecision(t, srv, "hub-1", staff, map[string]any{"title": "Pick hosting"})

	url := srv.URL + "/v1/hubs/hub-1/decision-queue/" + item.ID
	res, data := doJSON(t, srv.Client(), http.MethodPatch, url, map[string]any{"status": "approved", "expected_status": "in_review"}, staff)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if env.Error.Details["from"] != "open" {
		t.Fatalf("expected from=open, got %v", env.Error.Details)
	}
}

func TestListPaginatesAndFilters(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()
	staff := tokenFor(t, staffOf("hub-1"))
	var last domain.DecisionItem
	for _, title := range []string{"One", "Two", "Three"} {
		last = createDecision(t, srv, "hub-1", staff, map[string]any{"title": title})
	}
	doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/hubs/hub-1/decision-queue/"+last.ID, map[string]any{"status": "in_review"}, staff)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/hubs/hub-1/decision-queue?page=2&page_size=2", nil, staff)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list DecisionListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if list.Pagination.TotalItems != 3 || list.Pagination.TotalPages != 2 || len(list.Items) != 1 {
		t.Fatalf("unexpected page: %+v (%d items)", list.Pagination, len(list.Items))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/hubs/hub-1/decision-queue?status=in_review", nil, staff)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered list status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 1 || list.Items[0].ID != last.ID {
		t.Fatalf("expected only %s in review, got %+v", last.ID, list.Items)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/hubs/hub-1/decision-queue?status=bogus", nil, staff)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status filter, got %d: %s", res.StatusCode, string(data))
	}
}

func TestWaitingBandsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()
	staff := tokenFor(t, staffOf("hub-1"))
	now := time.Now().UTC()
	createDecision(t, srv, "hub-1", staff, map[string]any{"title": "Later", "due_date": now.Add(10 * 24 * time.Hour)})
	createDecision(t, srv, "hub-1", staff, map[string]any{"title": "Soon", "due_date": now.Add(2 * 24 * time.Hour)})
	createDecision(t, srv, "hub-1", staff, map[string]any{"title": "Late", "due_date": now.Add(-24 * time.Hour)})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/hubs/hub-1/decision-queue/waiting", nil, staff)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("waiting status %d: %s", res.StatusCode, string(data))
	}
	var waiting struct {
		Items []struct {
			Title   string `json:"title"`
			Urgency string `json:"urgency"`
		} `json:"items"`
		Total int `json:"total"`
	}
	if err := json.Unmarshal(data, &waiting); err != nil {
		t.Fatalf("unmarshal waiting: %v", err)
	}
	if waiting.Total != 3 {
		t.Fatalf("expected 3 waiting, got %d", waiting.Total)
	}
	got := []string{}
	for _, w := range waiting.Items {
		got = append(got, w.Title+":"+w.Urgency)
	}
	want := "Late:overdue,Soon:urgent,Later:normal"
	if strings.Join(got, ",") != want {
		t.Fatalf("expected %s, got %s", want, strings.Join(got, ","))
	}
}

func TestRequestErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()
	staff := tokenFor(t, staffOf("hub-1"))
	client := tokenFor(t, clientOf("hub-1"))
	item := createDecision(t, srv, "hub-1", staff, map[string]any{"title": "Sign off budget"})
	base := srv.URL + "/v1/hubs/hub-1/decision-queue"

	cases := []struct {
		name    string
		method  string
		url     string
		body    any
		headers map[string]string
		status  int
		code    string
	}{
		{"missing token", http.MethodGet, base, nil, nil, http.StatusUnauthorized, "unauthorized"},
		{"bad token", http.MethodGet, base, nil, map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized, "invalid_credentials"},
		{"foreign hub", http.MethodGet, srv.URL + "/v1/hubs/hub-2/decision-queue", nil, staff, http.StatusForbidden, "forbidden"},
		{"client cannot create", http.MethodPost, base, map[string]any{"title": "x"}, client, http.StatusForbidden, "forbidden"},
		{"unknown decision", http.MethodGet, base + "/missing", nil, staff, http.StatusNotFound, "not_found"},
		{"unknown decision patch", http.MethodPatch, base + "/missing", map[string]any{"status": "in_review"}, staff, http.StatusNotFound, "not_found"},
		{"empty title", http.MethodPost, base, map[string]any{"title": ""}, staff, http.StatusBadRequest, "validation_error"},
		{"unknown status", http.MethodPatch, base + "/" + item.ID, map[string]any{"status": "done"}, staff, http.StatusBadRequest, "validation_error"},
		{"self transition", http.MethodPatch, base + "/" + item.ID, map[string]any{"status": "open"}, client, http.StatusConflict, "invalid_transition"},
		{"unknown job", http.MethodGet, srv.URL + "/v1/hubs/hub-1/instant-answer/nope", nil, client, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, srv.Client(), tc.method, tc.url, tc.body, tc.headers)
			if res.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, res.StatusCode, string(data))
			}
			env := decodeEnvelope(t, data)
			if env.Error.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, env.Error.Code)
			}
			if env.Error.Retryable {
				t.Fatalf("%d must not be retryable", tc.status)
			}
		})
	}
}

func TestInstantAnswerPolling(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{delay: 300 * time.Millisecond})
	defer cleanup()
	client := tokenFor(t, clientOf("hub-1"))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/hubs/hub-1/instant-answer/requests", map[string]any{
		"question": "When is the website launching?",
	}, client)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var handle jobs.Handle
	if err := json.Unmarshal(data, &handle); err != nil {
		t.Fatalf("unmarshal handle: %v", err)
	}
	if handle.Status != domain.JobQueued || handle.PollIntervalHint != 2000 {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if loc := res.Header.Get("Location"); loc != "/v1/hubs/hub-1/instant-answer/"+handle.JobID {
		t.Fatalf("unexpected location %q", loc)
	}

	url := srv.URL + "/v1/hubs/hub-1/instant-answer/" + handle.JobID
	res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, client)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("poll status %d: %s", res.StatusCode, string(data))
	}
	var job struct {
		Status string `json:"status"`
		Result struct {
			Answer     string `json:"answer"`
			Confidence string `json:"confidence"`
		} `json:"result"`
	}
	_ = json.Unmarshal(data, &job)
	if job.Status != string(domain.JobQueued) {
		t.Fatalf("expected queued right after submit, got %s", job.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for job.Status == string(domain.JobQueued) {
		if time.Now().After(deadline) {
			t.Fatalf("job never finished")
		}
		time.Sleep(50 * time.Millisecond)
		_, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, client)
		_ = json.Unmarshal(data, &job)
	}
	if job.Status != string(domain.JobReady) {
		t.Fatalf("expected ready, got %s: %s", job.Status, string(data))
	}
	if job.Result.Answer == "" {
		t.Fatalf("expected an answer")
	}
	switch job.Result.Confidence {
	case "high", "medium", "low":
	default:
		t.Fatalf("unexpected confidence %q", job.Result.Confidence)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/hubs/hub-1/instant-answer/latest", nil, client)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("latest status %d: %s", res.StatusCode, string(data))
	}
	var recent JobListResponse
	_ = json.Unmarshal(data, &recent)
	if len(recent.Items) != 1 || recent.Items[0].JobID != handle.JobID {
		t.Fatalf("expected the answered job in recent list, got %+v", recent.Items)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/hubs/hub-1/performance/"+handle.JobID, nil, client)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for job polled under another kind, got %d: %s", res.StatusCode, string(data))
	}
}

func TestMeetingPrepAndNarrativeRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()
	staff := tokenFor(t, staffOf("hub-1"))
	createDecision(t, srv, "hub-1", staff, map[string]any{"title": "Approve launch copy"})

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/hubs/hub-1/meetings/m-1/prep/generate", nil, staff)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("prep status %d: %s", res.StatusCode, string(data))
	}
	if loc := res.Header.Get("Location"); loc != "/v1/hubs/hub-1/meetings/m-1/prep" {
		t.Fatalf("unexpected location %q", loc)
	}
	var prep struct {
		Status    string `json:"status"`
		MeetingID string `json:"meeting_id"`
		Result    struct {
			DecisionsNeeded []string `json:"decisions_needed"`
		} `json:"result"`
	}
	deadline := time.Now().Add(5 * time.Second)
	for prep.Status != string(domain.JobReady) {
		if time.Now().After(deadline) {
			t.Fatalf("prep never became ready: %s", string(data))
		}
		time.Sleep(20 * time.Millisecond)
		res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/hubs/hub-1/meetings/m-1/prep", nil, staff)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("prep poll status %d: %s", res.StatusCode, string(data))
		}
		_ = json.Unmarshal(data, &prep)
	}
	if prep.MeetingID != "m-1" || len(prep.Result.DecisionsNeeded) != 1 || prep.Result.DecisionsNeeded[0] != "Approve launch copy" {
		t.Fatalf("unexpected prep %+v", prep)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/hubs/hub-1/meetings/m-2/follow-up", nil, staff)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for meeting without follow-up, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/hubs/hub-1/performance/latest", nil, staff)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before any narrative, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/hubs/hub-1/performance/generate", map[string]any{"period": "March 2025"}, staff)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("narrative status %d: %s", res.StatusCode, string(data))
	}
}

func TestCORS(t *testing.T) {
	const origin = "https://portal.example.com"
	srv, cleanup := newTestServer(t, testOptions{origin: origin})
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodOptions, srv.URL+"/v1/hubs/hub-1/decision-queue/d-1", nil, map[string]string{
		"Origin":                         origin,
		"Access-Control-Request-Method":  http.MethodPatch,
		"Access-Control-Request-Headers": "Authorization, Content-Type",
	})
	if res.StatusCode >= 300 {
		t.Fatalf("preflight status %d", res.StatusCode)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != origin {
		t.Fatalf("preflight allow-origin %q", got)
	}
	if got := res.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPatch) {
		t.Fatalf("preflight allow-methods %q", got)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, map[string]string{"Origin": origin})
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != origin {
		t.Fatalf("allow-origin %q", got)
	}
	if got := strings.ToLower(res.Header.Get("Access-Control-Expose-Headers")); !strings.Contains(got, strings.ToLower(correlationHeader)) {
		t.Fatalf("expose-headers %q", got)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, map[string]string{"Origin": "https://evil.example.com"})
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}

	plain, cleanupPlain := newTestServer(t, testOptions{})
	defer cleanupPlain()
	res, _ = doJSON(t, plain.Client(), http.MethodGet, plain.URL+"/v1/health", nil, map[string]string{"Origin": origin})
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("cors headers without an origin configured: %q", got)
	}
}

func TestHealthDocsAndCorrelation(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, map[string]string{correlationHeader: "corr-123"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	if got := res.Header.Get(correlationHeader); got != "corr-123" {
		t.Fatalf("expected correlation id echoed, got %q", got)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health/live", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("live status %d", res.StatusCode)
	}
	if res.Header.Get(correlationHeader) == "" {
		t.Fatalf("expected generated correlation id")
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health/ready", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ready status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var oas map[string]any
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	paths, _ := oas["paths"].(map[string]any)
	for _, p := range []string{
		"/v1/hubs/{hub_id}/decision-queue",
		"/v1/hubs/{hub_id}/decision-queue/{decision_id}",
		"/v1/hubs/{hub_id}/instant-answer/requests",
		"/v1/portfolio/overview",
	} {
		if _, ok := paths[p]; !ok {
			t.Fatalf("openapi missing %s", p)
		}
	}
	if !strings.Contains(string(data), "bearerAuth") || !strings.Contains(string(data), "ApiError") {
		t.Fatalf("openapi missing security scheme or error schema")
	}
}

func TestReadinessFailsWhenStorageIsDown(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{health: failingHealth{}})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health/ready", nil, nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeEnvelope(t, data)
	if !env.Error.Retryable {
		t.Fatalf("503 must be retryable")
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{devLogin: true})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "client-9",
		"name":     "Dana",
		"hubs":     []string{"hub-7"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token: %v %s", err, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "client-9" || me.Staff || len(me.Hubs) != 1 || me.Hubs[0] != "hub-7" || me.Source != auth.SourceToken {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestDevLoginDisabledByDefault(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "x"}, nil)
	if res.StatusCode == http.StatusOK {
		t.Fatalf("dev login must not be mounted")
	}
}

func TestPortfolioRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()
	staff := tokenFor(t, staffOf("hub-1"))
	now := time.Now().UTC()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/portfolio/project-status", map[string]any{
		"project": map[string]any{
			"id":     "p-1",
			"name":   "Website",
			"status": "active",
			"milestones": []map[string]any{
				{"id": "m1", "name": "Design", "status": "completed", "target_date": now.Add(-48 * time.Hour)},
				{"id": "m2", "name": "Build", "status": "in_progress", "target_date": now.Add(3 * 24 * time.Hour)},
			},
		},
	}, staff)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("project status %d: %s", res.StatusCode, string(data))
	}
	var summary struct {
		Display struct {
			Status string `json:"status"`
		} `json:"display"`
		Progress int `json:"progress"`
	}
	_ = json.Unmarshal(data, &summary)
	if summary.Display.Status != "at_risk" || summary.Progress != 50 {
		t.Fatalf("unexpected summary %s", string(data))
	}

	clients := map[string]any{
		"clients": []map[string]any{
			{"hub_id": "a", "name": "Acme", "last_activity_at": now, "health": map[string]any{"score": 40, "status": "at_risk", "last_calculated_at": now}},
			{"hub_id": "b", "name": "Beta", "last_activity_at": now, "health": map[string]any{"score": 90, "status": "strong", "last_calculated_at": now}},
		},
		"sort_by": "health",
		"desc":    true,
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/portfolio/overview", clients, tokenFor(t, clientOf("hub-1")))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for client principal, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/portfolio/overview", clients, staff)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("overview status %d: %s", res.StatusCode, string(data))
	}
	var overview PortfolioOverviewResponse
	if err := json.Unmarshal(data, &overview); err != nil {
		t.Fatalf("unmarshal overview: %v", err)
	}
	if overview.Overview.TotalClients != 2 || overview.Overview.AtRiskCount != 1 || overview.Overview.AvgHealthScore != 65 || overview.Overview.Stale {
		t.Fatalf("unexpected overview %+v", overview.Overview)
	}
	if overview.Clients[0].Name != "Beta" {
		t.Fatalf("expected healthiest first, got %s", overview.Clients[0].Name)
	}
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		err       error
		status    int
		code      string
		retryable bool
	}{
		{domain.ConflictError{From: domain.DecisionApproved, To: domain.DecisionOpen}, http.StatusConflict, "invalid_transition", false},
		{domain.ValidationError{Field: "title", Reason: "required"}, http.StatusBadRequest, "validation_error", false},
		{domain.ForbiddenError{HubID: "hub-1"}, http.StatusForbidden, "forbidden", false},
		{domain.ErrNotFound, http.StatusNotFound, "not_found", false},
		{domain.ErrUnavailable, http.StatusServiceUnavailable, "unavailable", true},
		{errors.New("disk exploded"), http.StatusInternalServerError, "internal_error", true},
	}
	for _, tc := range cases {
		se := handleError(tc.err)
		api, ok := se.(*apiError)
		if !ok {
			t.Fatalf("%v: expected *apiError, got %T", tc.err, se)
		}
		if api.status != tc.status || api.Body.Code != tc.code || api.Body.Retryable != tc.retryable {
			t.Fatalf("%v: got %d %s retryable=%v", tc.err, api.status, api.Body.Code, api.Body.Retryable)
		}
	}
	if msg := handleError(errors.New("secret path /var/db")).Error(); strings.Contains(msg, "/var/db") {
		t.Fatalf("internal error leaked cause: %s", msg)
	}
}

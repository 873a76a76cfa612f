package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubline/internal/domain"
	"hubline/internal/logging"
)

func messageBody(text string) string {
	b, _ := json.Marshal(text)
	return fmt.Sprintf(`{"id":"msg_01","type":"message","role":"assistant","model":"claude-haiku-4-5",`+
		`"content":[{"type":"text","text":%s}],"stop_reason":"end_turn","stop_sequence":null,`+
		`"usage":{"input_tokens":42,"output_tokens":17}}`, b)
}

func stubAnthropic(t *testing.T, statuses []int, reply string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		n := int(atomic.AddInt32(&calls, 1))
		w.Header().Set("Content-Type", "application/json")
		if n <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"upstream trouble"}}`))
			return
		}
		_, _ = w.Write([]byte(messageBody(reply)))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newStubGenerator(t *testing.T, url string) *AnthropicGenerator {
	t.Helper()
	g, err := NewAnthropicGenerator(AnthropicConfig{
		APIKey:          "test-key",
		BaseURL:         url + "/",
		RetryInitial:    5 * time.Millisecond,
		RetryMaxElapsed: 2 * time.Second,
	})
	require.NoError(t, err)
	g.Log = logging.Discard()
	return g
}

func TestAnthropicInstantAnswerRetriesServerErrors(t *testing.T) {
	reply := "Here you go:\n```json\n{\"answer\": \"Launch is set for March 3.\", \"source\": \"Project timeline\", \"confidence\": \"high\", \"evidence\": []}\n```"
	srv, calls := stubAnthropic(t, []int{http.StatusInternalServerError}, reply)
	g := newStubGenerator(t, srv.URL)

	hub := HubContext{HubID: "hub-1", Now: time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)}
	ans, err := g.InstantAnswer(context.Background(), hub, "  When is launch? ")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
	assert.Equal(t, "When is launch?", ans.Question)
	assert.Equal(t, "Launch is set for March 3.", ans.Answer)
	assert.Equal(t, domain.ConfidenceHigh, ans.Confidence)
	assert.NotNil(t, ans.Evidence)
}

func TestAnthropicClientErrorIsNotRetried(t *testing.T) {
	srv, calls := stubAnthropic(t, []int{http.StatusBadRequest, http.StatusBadRequest}, "{}")
	g := newStubGenerator(t, srv.URL)

	_, err := g.MeetingPrep(context.Background(), HubContext{HubID: "hub-1"}, "meeting-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 1 attempt(s)")
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestAnthropicNarrativeKeepsRequestedPeriod(t *testing.T) {
	srv, _ := stubAnthropic(t, nil, `{"summaries": ["Delivery is steady."], "recommendations": ["Keep the weekly sync."]}`)
	g := newStubGenerator(t, srv.URL)
	now := time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)

	out, err := g.PerformanceNarrative(context.Background(), HubContext{HubID: "hub-1", Now: now}, NarrativeInput{ProjectID: "project-9"})
	require.NoError(t, err)
	assert.Equal(t, "project-9", out.ProjectID)
	assert.Equal(t, "February 2025", out.Period)
	assert.Equal(t, []string{"Delivery is steady."}, out.Summaries)
	assert.Equal(t, now, out.GeneratedAt)
}

func TestNewAnthropicGeneratorRequiresKey(t *testing.T) {
	_, err := NewAnthropicGenerator(AnthropicConfig{APIKey: "  "})
	assert.ErrorIs(t, err, errAPIKeyRequired)
}

func TestDecodeJSONObject(t *testing.T) {
	var out struct {
		Summary string `json:"summary"`
	}
	require.NoError(t, decodeJSONObject("sure!\n{\"summary\": \"ok\"}\nthanks", &out))
	assert.Equal(t, "ok", out.Summary)

	assert.Error(t, decodeJSONObject("no json here", &out))
	assert.Error(t, decodeJSONObject("} backwards {", &out))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(nil))
	assert.False(t, isRetryable(context.Canceled))
	assert.False(t, isRetryable(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, isRetryable(errors.New("bad prompt")))
}

func TestPromptTemplatesRender(t *testing.T) {
	srv, _ := stubAnthropic(t, nil, "{}")
	g := newStubGenerator(t, srv.URL)
	data := newPromptData(HubContext{
		HubID: "hub-1",
		Now:   time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC),
		Pending: []domain.DecisionItem{
			{ID: "d1", Title: "Approve homepage", Status: domain.DecisionOpen},
		},
	})
	data.Question = "What is next?"
	for _, name := range []string{"instant_answer", "meeting_prep", "meeting_follow_up", "performance_narrative"} {
		var buf strings.Builder
		require.NoError(t, g.prompts.ExecuteTemplate(&buf, name, data), name)
		assert.Contains(t, buf.String(), "- Approve homepage", name)
	}
}

package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/Corphon/VillagerBridge/internal/errors"
	"github.com/Corphon/VillagerBridge/internal/utils"
)

const sampleScript = `{
  "scriptId": "s-1",
  "version": 3,
  "participants": ["a", "b"],
  "topic": "harvest",
  "location": "village",
  "lines": [
    {"agentId": "a", "agentName": "Ann", "message": "Hello", "phase": "greeting", "lineNumber": 0},
    {"agentId": "b", "agentName": "Bob", "message": "Hi", "phase": "greeting", "lineNumber": 1}
  ],
  "timing": {"minDelaySeconds": 1, "maxDelaySeconds": 2, "phaseChangePauseSeconds": 0.5, "loopDelaySeconds": 10}
}`

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *utils.MetricsCollector) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	metrics := utils.NewMetricsCollector()
	c, err := NewClient(ClientConfig{
		BaseURL:         srv.URL + "/",
		APIToken:        "secret",
		MetadataTimeout: time.Second,
		FetchTimeout:    time.Second,
	}, metrics)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, metrics
}

func TestMetadataOK(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != metadataPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("groupHash"); got != "a_b" {
			t.Errorf("groupHash = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != DefaultUserAgent {
			t.Errorf("User-Agent = %q", got)
		}
		w.Write([]byte(`{"scriptId":"s-1","groupHash":"a_b","version":4,"topic":"harvest"}`))
	})

	meta, err := c.Metadata(context.Background(), "a_b")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta == nil || meta.Version != 4 || meta.ScriptID != "s-1" || meta.GroupKey != "a_b" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestMetadataNotFoundIsAbsent(t *testing.T) {
	c, metrics := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	meta, err := c.Metadata(context.Background(), "a_b")
	if err != nil {
		t.Fatalf("404 should not be an error, got %v", err)
	}
	if meta != nil {
		t.Fatalf("404 should be absent, got %+v", meta)
	}
	if metrics.GetCounterValue(utils.MetricUpdateCheckErrors) != 0 {
		t.Fatal("404 counted as an error")
	}
}

func TestMetadataServerError(t *testing.T) {
	c, metrics := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	if _, err := c.Metadata(context.Background(), "a_b"); !apperrors.IsRemoteError(err) {
		t.Fatalf("got %v, want remote error", err)
	}
	if metrics.GetCounterValue(utils.MetricUpdateCheckErrors) != 1 {
		t.Fatal("error not counted")
	}
}

func TestMetadataMalformed(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":"three"}`))
	})

	if _, err := c.Metadata(context.Background(), "a_b"); !apperrors.IsRemoteError(err) {
		t.Fatalf("got %v, want remote error", err)
	}
}

func TestFetchScriptOK(t *testing.T) {
	c, metrics := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != scriptPath {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["groupHash"] != "a_b" || body["forceNew"] != true || body["location"] != "village" {
			t.Errorf("unexpected body: %v", body)
		}
		if _, ok := body["contextHint"]; ok {
			t.Errorf("empty contextHint should be omitted")
		}
		w.Write([]byte(sampleScript))
	})

	script, err := c.FetchScript(context.Background(), FetchRequest{
		ParticipantIDs: []string{"a", "b"},
		Location:       "village",
		GroupKey:       "a_b",
		ForceNew:       true,
	})
	if err != nil {
		t.Fatalf("FetchScript: %v", err)
	}
	if script.Version != 3 || len(script.Lines) != 2 || script.Lines[1].SpeakerName != "Bob" {
		t.Fatalf("unexpected script: %+v", script)
	}
	if script.Timing == nil || script.Timing.PhaseChangePauseSeconds == nil || *script.Timing.PhaseChangePauseSeconds != 0.5 {
		t.Fatalf("timing not decoded: %+v", script.Timing)
	}
	if metrics.GetCounterValue(utils.MetricFetches) != 1 {
		t.Fatal("fetch not counted")
	}
}

func TestFetchScriptFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`},
		{"unauthorized", http.StatusUnauthorized, ``},
		{"missing lines", http.StatusOK, `{"scriptId":"s","version":1}`},
		{"empty lines", http.StatusOK, `{"scriptId":"s","version":1,"lines":[]}`},
		{"line without speaker", http.StatusOK, `{"scriptId":"s","version":1,"lines":[{"message":"x"}]}`},
		{"not json", http.StatusOK, `<html>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, metrics := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			_, err := c.FetchScript(context.Background(), FetchRequest{GroupKey: "a_b"})
			if !apperrors.IsRemoteError(err) {
				t.Fatalf("got %v, want remote error", err)
			}
			if metrics.GetCounterValue(utils.MetricFetchErrors) != 1 {
				t.Fatal("failure not counted")
			}
		})
	}
}

func TestFetchScriptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(ClientConfig{BaseURL: srv.URL, FetchTimeout: 30 * time.Millisecond}, utils.NewMetricsCollector())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = c.FetchScript(context.Background(), FetchRequest{GroupKey: "a_b"})
	if apperrors.TypeOf(err) != apperrors.ErrorTypeTimeout {
		t.Fatalf("got %v, want timeout", err)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}, nil); !apperrors.IsValidationError(err) {
		t.Fatalf("got %v, want validation error", err)
	}
}

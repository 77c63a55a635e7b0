package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

type staticTokens string

func (s staticTokens) AccessToken(context.Context) (string, error) { return string(s), nil }

type testSlot struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Status       string `json:"status"`
	Meta         Meta   `json:"meta"`
}

func (s *testSlot) ResourceMeta() *Meta { return &s.Meta }

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		BaseURL:     srv.URL + "/fhir/",
		Tokens:      staticTokens("tok-1"),
		Logger:      zerolog.Nop(),
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
}

func TestClient_ReadSendsBearerAndFillsVersionFromETag(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fhir/Slot/s1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("unexpected authorization %q", got)
		}
		w.Header().Set("ETag", `W/"7"`)
		w.Write([]byte(`{"resourceType":"Slot","id":"s1","status":"free"}`))
	}))

	var s testSlot
	if err := c.Read(context.Background(), "Slot", "s1", &s); err != nil {
		t.Fatalf("read: %v", err)
	}
	if s.Meta.VersionID != "7" || s.Status != "free" {
		t.Fatalf("unexpected slot %+v", s)
	}
}

func TestClient_ReadRetriesUnavailable(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"resourceType":"Slot","id":"s1","meta":{"versionId":"2"}}`))
	}))

	var s testSlot
	if err := c.Read(context.Background(), "Slot", "s1", &s); err != nil {
		t.Fatalf("read: %v", err)
	}
	if calls != 3 || s.Meta.VersionID != "2" {
		t.Fatalf("calls=%d version=%q", calls, s.Meta.VersionID)
	}
}

func TestClient_ReadGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	err := c.Read(context.Background(), "Slot", "s1", &testSlot{})
	var oe *OutcomeError
	if !errors.As(err, &oe) || oe.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 outcome error, got %v", err)
	}
	if oe.Outcome == nil || oe.Outcome.Issue[0].Code != "exception" {
		t.Fatalf("expected synthesized outcome, got %+v", oe.Outcome)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestClient_WritesAreNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	if err := c.Create(context.Background(), "Slot", map[string]string{"resourceType": "Slot"}, nil); err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("create should be sent once, got %d", calls)
	}
}

func TestClient_NotFoundAndUnauthorized(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fhir/Slot/gone":
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(NewOperationOutcome("error", "not-found", "Slot/gone is unknown"))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))

	err := c.Read(context.Background(), "Slot", "gone", &testSlot{})
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var oe *OutcomeError
	if !errors.As(err, &oe) || oe.Outcome.Issue[0].Diagnostics != "Slot/gone is unknown" {
		t.Fatalf("server outcome not decoded: %+v", oe.Outcome)
	}

	if err := c.Read(context.Background(), "Slot", "other", &testSlot{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestClient_UpdateUsesIfMatch(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.Header.Get("If-Match") != `W/"3"` {
			w.WriteHeader(http.StatusPreconditionFailed)
			json.NewEncoder(w).Encode(NewOperationOutcome("error", "conflict", "version mismatch"))
			return
		}
		w.Header().Set("ETag", `W/"4"`)
		w.Write([]byte(`{"resourceType":"Slot","id":"s1","status":"busy"}`))
	}))

	var out testSlot
	in := testSlot{ResourceType: "Slot", ID: "s1", Status: "busy"}
	if err := c.Update(context.Background(), "Slot", "s1", in, "3", &out); err != nil {
		t.Fatalf("update: %v", err)
	}
	if out.Meta.VersionID != "4" {
		t.Fatalf("expected version 4, got %q", out.Meta.VersionID)
	}

	err := c.Update(context.Background(), "Slot", "s1", in, "2", &out)
	var ce *ConflictError
	if !errors.As(err, &ce) || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ce.ExpectedVersion != "2" || ce.ID != "s1" {
		t.Fatalf("unexpected conflict %+v", ce)
	}
}

func TestClient_SearchAllFollowsNextLinks(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/fhir/Slot", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "free" {
			t.Errorf("missing status param: %s", r.URL.RawQuery)
		}
		b := Bundle{ResourceType: "Bundle", Type: "searchset"}
		switch r.URL.Query().Get("page") {
		case "":
			b.Entry = []BundleEntry{{Resource: json.RawMessage(`{"id":"a"}`)}, {Resource: json.RawMessage(`{"id":"b"}`)}}
			b.Link = []BundleLink{{Relation: "next", URL: srvURL + "/fhir/Slot?status=free&page=2"}}
		case "2":
			b.Entry = []BundleEntry{{Resource: json.RawMessage(`{"id":"c"}`)}}
		}
		json.NewEncoder(w).Encode(b)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	c := NewClient(Options{BaseURL: srv.URL + "/fhir", Logger: zerolog.Nop()})
	got, err := c.SearchAll(context.Background(), "Slot", url.Values{"status": {"free"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 resources, got %d", len(got))
	}
}

func TestParseETag(t *testing.T) {
	cases := map[string]string{`W/"3"`: "3", `"12"`: "12", ` 5 `: "5"}
	for in, want := range cases {
		if got, ok := ParseETag(in); !ok || got != want {
			t.Errorf("ParseETag(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseETag(""); ok {
		t.Errorf("empty etag should not parse")
	}
	if VersionNumber("abc") != 0 || VersionNumber("9") != 9 {
		t.Errorf("VersionNumber mismatch")
	}
}

type failingTokens struct {
	calls int32
	errs  []error
}

func (f *failingTokens) AccessToken(context.Context) (string, error) {
	n := atomic.AddInt32(&f.calls, 1)
	return "", f.errs[min(int(n), len(f.errs))-1]
}

func TestClient_TokenFailureIsNotRetried(t *testing.T) {
	errRefresh := errors.New("REFRESH_FAILED: refresh token rejected")
	tokens := &failingTokens{errs: []error{errRefresh, errors.New("NO_SESSION: no session")}}

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(Options{BaseURL: srv.URL, Tokens: tokens, Logger: zerolog.Nop(), BaseBackoff: time.Millisecond})

	_, err := c.Search(context.Background(), "Slot", url.Values{"status": {"free"}})
	if !errors.Is(err, errRefresh) {
		t.Fatalf("expected the refresh failure to surface, got %v", err)
	}
	if tokens.calls != 1 {
		t.Fatalf("token source should be asked once, got %d", tokens.calls)
	}
	if hits != 0 {
		t.Fatalf("no request should be sent without a token, got %d", hits)
	}
}

func TestSnippetKeepsValidUTF8(t *testing.T) {
	body := []byte(strings.Repeat("a", 199) + "é" + strings.Repeat("b", 10))
	got := snippet(body)
	if !utf8.ValidString(got) {
		t.Fatalf("snippet is not valid UTF-8: %q", got)
	}
	if got != strings.Repeat("a", 199) {
		t.Fatalf("unexpected snippet %q", got)
	}
	if got := snippet([]byte("short")); got != "short" {
		t.Fatalf("short body changed: %q", got)
	}
}

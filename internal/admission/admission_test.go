package admission

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/estately-labs/ratelimiter/internal/httpmw"
	"github.com/estately-labs/ratelimiter/internal/metrics"
	"github.com/estately-labs/ratelimiter/internal/policy"
	"github.com/estately-labs/ratelimiter/internal/window"
)

var t0 = time.UnixMilli(1_700_000_000_000)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type decisionLog struct {
	mu       sync.Mutex
	outcomes []string
	first    []string
	storeErr int
}

func (d *decisionLog) options() []Option {
	return []Option{
		WithOnDecision(func(name, outcome string) {
			d.mu.Lock()
			d.outcomes = append(d.outcomes, name+"/"+outcome)
			d.mu.Unlock()
		}),
		WithOnFirstDenied(func(name, key string) {
			d.mu.Lock()
			d.first = append(d.first, name+"|"+key)
			d.mu.Unlock()
		}),
		WithOnStoreError(func(error) {
			d.mu.Lock()
			d.storeErr++
			d.mu.Unlock()
		}),
	}
}

type fixture struct {
	store   *window.MemoryStore
	clock   *fakeClock
	events  *decisionLog
	handler http.Handler
}

func newFixture(t *testing.T, storeOpts ...window.MemoryOption) *fixture {
	t.Helper()
	reg := policy.MustDefaults()
	f := &fixture{
		store:  window.NewMemoryStore(reg, storeOpts...),
		clock:  &fakeClock{now: t0},
		events: &decisionLog{},
	}
	opts := append([]Option{WithClock(f.clock.Now)}, f.events.options()...)
	h, err := New(f.store, reg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.handler = h.Routes()
	return f
}

func (f *fixture) post(path, body string, headers map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func storeLen(t *testing.T, s window.Store) int {
	t.Helper()
	n, err := s.Len(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// Check

func TestCheck_AuthScenario(t *testing.T) {
	f := newFixture(t)
	body := `{"action":"auth","identifier":"user@example.com"}`
	hdr := map[string]string{"X-Forwarded-For": "1.2.3.4"}

	for i := 1; i <= 5; i++ {
		w := f.post(CheckPath, body, hdr)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d, body %s", i, w.Code, w.Body)
		}
		got := decode[allowedResponse](t, w)
		if !got.Allowed || got.Remaining != 5-i || got.ResetTime != t0.Add(time.Minute).UnixMilli() {
			t.Fatalf("request %d: %+v", i, got)
		}
		if h := w.Header().Get(headerRemaining); h != strconv.Itoa(5-i) {
			t.Fatalf("request %d: %s = %q", i, headerRemaining, h)
		}
		if h := w.Header().Get(headerLimit); h != "5" {
			t.Fatalf("%s = %q", headerLimit, h)
		}
		if h := w.Header().Get(headerReset); h != "1700000060000" {
			t.Fatalf("%s = %q", headerReset, h)
		}
	}

	f.clock.Set(t0.Add(100 * time.Millisecond))
	w := f.post(CheckPath, body, hdr)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("request 6: status %d", w.Code)
	}
	denied := decode[deniedResponse](t, w)
	if denied.Error != "Rate limit exceeded" || denied.RetryAfter != 60 {
		t.Fatalf("request 6: %+v", denied)
	}
	if w.Header().Get(headerRetryAfter) != "60" || w.Header().Get(headerRemaining) != "0" {
		t.Fatalf("request 6 headers: %v", w.Header())
	}

	f.clock.Set(t0.Add(61 * time.Second))
	w = f.post(CheckPath, body, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("request 7: status %d", w.Code)
	}
	if got := decode[allowedResponse](t, w); got.Remaining != 4 || got.ResetTime != t0.Add(121*time.Second).UnixMilli() {
		t.Fatalf("request 7: %+v", got)
	}

	if len(f.events.first) != 1 || f.events.first[0] != "auth|1.2.3.4:user@example.com" {
		t.Fatalf("first denied = %v", f.events.first)
	}
}

func TestCheck_FirstDeniedOncePerWindow(t *testing.T) {
	f := newFixture(t)
	body := `{"action":"auth","identifier":"a"}`
	for i := 0; i < 9; i++ {
		f.post(CheckPath, body, nil)
	}
	if len(f.events.first) != 1 {
		t.Fatalf("first denied = %d, want 1", len(f.events.first))
	}
	f.clock.Set(t0.Add(time.Minute))
	for i := 0; i < 6; i++ {
		f.post(CheckPath, body, nil)
	}
	if len(f.events.first) != 2 {
		t.Fatalf("first denied = %d, want 2 after reset", len(f.events.first))
	}
}

func TestCheck_MissingFields(t *testing.T) {
	cases := map[string]string{
		"no identifier":    `{"action":"auth"}`,
		"no action":        `{"identifier":"x"}`,
		"empty identifier": `{"action":"auth","identifier":""}`,
		"blank action":     `{"action":"   ","identifier":"x"}`,
		"empty object":     `{}`,
		"null":             `null`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			w := f.post(CheckPath, body, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status %d, want 400", w.Code)
			}
			if got := decode[errorResponse](t, w); got.Error != "Missing action or identifier" {
				t.Fatalf("body %+v", got)
			}
			if n := storeLen(t, f.store); n != 0 {
				t.Fatalf("store has %d records, want 0", n)
			}
			if len(f.events.outcomes) != 0 {
				t.Fatalf("decision hook fired: %v", f.events.outcomes)
			}
		})
	}
}

func TestCheck_UnknownActionUsesDefault(t *testing.T) {
	f := newFixture(t)
	w := f.post(CheckPath, `{"action":"foo","identifier":"x"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	got := decode[allowedResponse](t, w)
	if got.Remaining != 99 || got.ResetTime != t0.Add(time.Minute).UnixMilli() {
		t.Fatalf("%+v, want default 100/60000ms", got)
	}
	if w.Header().Get(headerLimit) != "100" {
		t.Fatalf("limit header %q", w.Header().Get(headerLimit))
	}
	if f.events.outcomes[0] != "default/allowed" {
		t.Fatalf("outcome %v", f.events.outcomes)
	}
}

func TestCheck_KeyFromHeaders(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"xff first entry", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1", "X-Real-IP": "9.9.9.9"}, "1.2.3.4:id"},
		{"real ip", map[string]string{"X-Real-IP": "9.9.9.9"}, "9.9.9.9:id"},
		{"identifier fallback", nil, "id:id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			for i := 0; i < 6; i++ {
				f.post(CheckPath, `{"action":"auth","identifier":"id"}`, tc.headers)
			}
			if len(f.events.first) != 1 || f.events.first[0] != "auth|"+tc.want {
				t.Fatalf("first denied %v, want key %s", f.events.first, tc.want)
			}
		})
	}
}

func TestCheck_NoCrossInterference(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.post(CheckPath, `{"action":"auth","identifier":"a"}`, nil)
	}
	if w := f.post(CheckPath, `{"action":"auth","identifier":"b"}`, nil); w.Code != http.StatusOK {
		t.Fatalf("other identifier: %d", w.Code)
	}
	if w := f.post(CheckPath, `{"action":"property","identifier":"a"}`, nil); w.Code != http.StatusOK {
		t.Fatalf("other action: %d", w.Code)
	}
	if w := f.post(CheckPath, `{"action":"auth","identifier":"a"}`, nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("exhausted key: %d", w.Code)
	}
}

func TestCheck_PaddedIdentifierIsDistinct(t *testing.T) {
	f := newFixture(t)
	xff := map[string]string{"X-Forwarded-For": "1.2.3.4"}
	for i := 0; i < 5; i++ {
		f.post(CheckPath, `{"action":"auth","identifier":"bob"}`, xff)
	}
	w := f.post(CheckPath, `{"action":"auth","identifier":" bob "}`, xff)
	if w.Code != http.StatusOK {
		t.Fatalf("padded identifier: %d, want 200", w.Code)
	}
	if got := decode[allowedResponse](t, w); got.Remaining != 4 {
		t.Fatalf("remaining %d, want 4", got.Remaining)
	}
	if n := storeLen(t, f.store); n != 2 {
		t.Fatalf("store has %d records, want 2", n)
	}

	for i := 0; i < 5; i++ {
		f.post(CheckPath, `{"action":"auth","identifier":" bob "}`, xff)
	}
	if len(f.events.first) != 1 || f.events.first[0] != "auth|1.2.3.4: bob " {
		t.Fatalf("first denied %q, want the untrimmed key", f.events.first)
	}
}

func TestCheck_PaddedActionIsOpaque(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.post(CheckPath, `{"action":"auth","identifier":"a"}`, nil)
	}
	w := f.post(CheckPath, `{"action":" auth","identifier":"a"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("padded action: %d, want 200", w.Code)
	}
	if w.Header().Get(headerLimit) != "100" {
		t.Fatalf("limit %q, unknown category should use default", w.Header().Get(headerLimit))
	}
}

func TestCheck_LegacyPathSharesCounters(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.post(CheckPath, `{"action":"auth","identifier":"a"}`, nil)
	}
	if w := f.post(LegacyCheckPath, `{"action":"auth","identifier":"a"}`, nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("legacy path: %d, want 429", w.Code)
	}
}

func TestCheck_MalformedBody(t *testing.T) {
	for _, body := range []string{``, `{"action":`, `not json`, `{"action":1,"identifier":"x"}`} {
		f := newFixture(t)
		w := f.post(CheckPath, body, nil)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("body %q: status %d, want 500", body, w.Code)
		}
		if w.Body.String() != `{"error":"Internal server error"}` {
			t.Fatalf("body %q: response %s", body, w.Body)
		}
	}
}

type failingStore struct{ window.Store }

func (failingStore) Check(context.Context, string, string, time.Time) (window.Decision, error) {
	return window.Decision{}, errors.New("connection refused")
}

func TestCheck_StoreError(t *testing.T) {
	reg := policy.MustDefaults()
	events := &decisionLog{}
	h, err := New(failingStore{}, reg, events.options()...)
	if err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, CheckPath, strings.NewReader(`{"action":"auth","identifier":"a"}`))
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "refused") {
		t.Fatalf("internal detail leaked: %s", w.Body)
	}
	if events.storeErr != 1 || events.outcomes[0] != "auth/"+metrics.OutcomeError {
		t.Fatalf("events %+v", events)
	}
	if w.Header().Get(headerRemaining) != "" {
		t.Fatal("quota headers on a failed check")
	}
}

func TestCheck_CapacityFailsClosed(t *testing.T) {
	f := newFixture(t, window.WithMaxKeys(1))
	f.post(CheckPath, `{"action":"auth","identifier":"a"}`, nil)

	w := f.post(CheckPath, `{"action":"auth","identifier":"b"}`, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", w.Code)
	}
	if got := decode[deniedResponse](t, w); got.RetryAfter != 60 {
		t.Fatalf("%+v", got)
	}
	if len(f.events.first) != 0 {
		t.Fatal("capacity rejection is not a first denial")
	}
	if f.events.storeErr != 0 {
		t.Fatal("capacity rejection is not a store error")
	}
	if last := f.events.outcomes[len(f.events.outcomes)-1]; last != "auth/capacity" {
		t.Fatalf("outcome %q", last)
	}
}

// CORS

func TestPreflight(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodOptions, CheckPath, nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	r.Header.Set("Access-Control-Request-Headers", "content-type, apikey")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin %q", got)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("body %q", w.Body)
	}
	if storeLen(t, f.store) != 0 {
		t.Fatal("preflight touched the store")
	}
}

func TestOptionsWithoutOrigin(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodOptions, LegacyCheckPath, nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
}

func TestCORSHeadersOnResponse(t *testing.T) {
	f := newFixture(t)
	w := f.post(CheckPath, `{"action":"auth","identifier":"a"}`, map[string]string{"Origin": "https://app.example.com"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin %q", got)
	}
	if got := w.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, headerRemaining) {
		t.Fatalf("expose headers %q", got)
	}
}

// Policies

func TestListPolicies(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodGet, PoliciesPath, nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	got := decode[policiesResponse](t, w)
	if len(got.Policies) != 3 {
		t.Fatalf("%+v", got)
	}
	for _, e := range got.Policies {
		if e.Category == "auth" && (e.MaxRequests != 5 || e.WindowMs != 60000) {
			t.Fatalf("auth entry %+v", e)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodGet, CheckPath, nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d, want 405", w.Code)
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(nil, policy.MustDefaults()); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := New(window.NewMemoryStore(policy.MustDefaults()), nil); err == nil {
		t.Fatal("expected error for nil registry")
	}
}

func TestCheck_BodyTooLarge(t *testing.T) {
	f := newFixture(t)
	h := httpmw.MaxBody(32)(f.handler)
	body := `{"action":"auth","identifier":"` + strings.Repeat("x", 64) + `"}`
	r := httptest.NewRequest(http.MethodPost, CheckPath, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d, want 413", w.Code)
	}
	if storeLen(t, f.store) != 0 {
		t.Fatal("oversized body touched the store")
	}
}

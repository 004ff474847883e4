package admission

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/estately-labs/ratelimiter/internal/httpmw"
	"github.com/estately-labs/ratelimiter/internal/log"
	"github.com/estately-labs/ratelimiter/internal/metrics"
	"github.com/estately-labs/ratelimiter/internal/policy"
	"github.com/estately-labs/ratelimiter/internal/window"
	"github.com/estately-labs/ratelimiter/internal/xerrors"
)

// ErrMissingFields is returned for a request without a usable action or identifier.
var ErrMissingFields = errors.New("missing action or identifier")

const (
	CheckPath       = "/v1/rate-limit"
	LegacyCheckPath = "/functions/v1/rate-limiter"
	PoliciesPath    = "/v1/rate-limit/policies"
)

// Request is the check payload. Both fields are opaque strings.
type Request struct {
	Action     string `json:"action" validate:"required"`
	Identifier string `json:"identifier" validate:"required"`
}

type Handler struct {
	store    window.Store
	policies *policy.Registry
	clock    window.Clock
	validate *validator.Validate
	origins  []string

	onDecision    func(policyName, outcome string)
	onFirstDenied func(policyName, key string)
	onStoreError  func(err error)
}

type Option func(*Handler)

// WithClock replaces the wall clock, for tests.
func WithClock(c window.Clock) Option {
	return func(h *Handler) { h.clock = c }
}

// WithAllowedOrigins sets the CORS origin list. Empty means any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handler) { h.origins = origins }
}

// WithOnDecision is called once per check that reached the store. outcome is
// one of the metrics.Outcome* values.
func WithOnDecision(fn func(policyName, outcome string)) Option {
	return func(h *Handler) { h.onDecision = fn }
}

// WithOnFirstDenied is called on the first denial of each key window.
func WithOnFirstDenied(fn func(policyName, key string)) Option {
	return func(h *Handler) { h.onFirstDenied = fn }
}

// WithOnStoreError is called for every store failure other than capacity.
func WithOnStoreError(fn func(err error)) Option {
	return func(h *Handler) { h.onStoreError = fn }
}

// New wires a handler over an explicitly constructed store. The registry must
// be the one the store resolves against.
func New(store window.Store, policies *policy.Registry, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, xerrors.New("admission: store is required")
	}
	if policies == nil {
		return nil, xerrors.New("admission: policy registry is required")
	}
	h := &Handler{
		store:    store,
		policies: policies,
		clock:    window.SystemClock,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Register mounts the check endpoints and the policy listing, behind CORS,
// on r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.corsHandler().Handler)

		check := httpmw.Scope("ratelimit.check")(http.HandlerFunc(h.check))
		for _, p := range []string{CheckPath, LegacyCheckPath} {
			r.Method(http.MethodPost, p, check)
			r.Options(p, preflight)
		}
		r.Method(http.MethodGet, PoliciesPath, httpmw.Scope("ratelimit.policies")(http.HandlerFunc(h.listPolicies)))
		r.Options(PoliciesPath, preflight)
	})
}

// Routes is Register on a fresh router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) corsHandler() *cors.Cors {
	origins := h.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:       origins,
		AllowedMethods:       []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:       []string{"authorization", "x-client-info", "apikey", "content-type"},
		ExposedHeaders:       []string{headerLimit, headerRemaining, headerReset, headerRetryAfter},
		OptionsSuccessStatus: http.StatusOK,
	})
}

// preflight answers OPTIONS requests that are not CORS preflights (no Origin
// or no requested method); real preflights never get this far.
func preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) policyName(action string) string {
	if h.policies.Known(action) {
		return action
	}
	return policy.DefaultCategory
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)

	req, err := h.decode(r)
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, ErrMissingFields):
		writeError(w, http.StatusBadRequest, msgMissingFields)
		return
	case errors.As(err, &tooLarge):
		L.Warn(ctx, "request body over limit", "limit", tooLarge.Limit)
		writeError(w, http.StatusRequestEntityTooLarge, msgTooLarge)
		return
	case err != nil:
		L.Error(ctx, err, "decode rate limit request")
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	key := counterKey(clientAddress(r, req.Identifier), req.Identifier)
	name := h.policyName(req.Action)
	now := h.clock()

	d, err := h.store.Check(ctx, key, req.Action, now)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.String("ratelimit.action", req.Action),
			attribute.String("ratelimit.policy", name),
			attribute.Bool("ratelimit.allowed", err == nil && d.Allowed),
			attribute.Int("ratelimit.remaining", d.Remaining),
		)
	}

	switch {
	case errors.Is(err, window.ErrCapacity):
		h.decided(name, metrics.OutcomeCapacity)
		L.Warn(ctx, "window store at capacity, rejecting new key", "policy", name)
		writeDenied(w, d, now)
		return
	case err != nil:
		h.decided(name, metrics.OutcomeError)
		if h.onStoreError != nil {
			h.onStoreError(err)
		}
		L.Error(ctx, err, "rate limit check failed", "policy", name)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	if !d.Allowed {
		h.decided(name, metrics.OutcomeDenied)
		if d.FirstDenied() {
			L.Warn(ctx, "rate limit exceeded",
				"policy", name,
				"action", req.Action,
				"key", key,
				"limit", d.Limit,
				"reset_time", d.ResetTime.UnixMilli(),
			)
			if h.onFirstDenied != nil {
				h.onFirstDenied(name, key)
			}
		}
		writeDenied(w, d, now)
		return
	}

	h.decided(name, metrics.OutcomeAllowed)
	writeAllowed(w, d)
}

func (h *Handler) decided(name, outcome string) {
	if h.onDecision != nil {
		h.onDecision(name, outcome)
	}
}

// decode reads and validates the body. Whitespace-only fields count as
// missing; accepted fields are returned as sent, they are opaque.
func (h *Handler) decode(r *http.Request) (Request, error) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return Request{}, xerrors.Wrap(err, "decode request body")
	}
	trimmed := Request{
		Action:     strings.TrimSpace(req.Action),
		Identifier: strings.TrimSpace(req.Identifier),
	}
	if err := h.validate.Struct(trimmed); err != nil {
		return Request{}, ErrMissingFields
	}
	return req, nil
}

type policiesResponse struct {
	Policies []policy.Entry `json:"policies"`
}

func (h *Handler) listPolicies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, policiesResponse{Policies: h.policies.Entries()})
}

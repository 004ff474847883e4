package admission

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/estately-labs/ratelimiter/internal/window"
)

const (
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerReset      = "X-RateLimit-Reset"
	headerRetryAfter = "Retry-After"

	msgMissingFields = "Missing action or identifier"
	msgExceeded      = "Rate limit exceeded"
	msgInternal      = "Internal server error"
	msgTooLarge      = "Request body too large"
)

type allowedResponse struct {
	Allowed   bool  `json:"allowed"`
	Remaining int   `json:"remaining"`
	ResetTime int64 `json:"resetTime"`
}

type deniedResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"` + msgInternal + `"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func setQuotaHeaders(w http.ResponseWriter, d window.Decision) {
	h := w.Header()
	h.Set(headerLimit, strconv.Itoa(d.Limit))
	h.Set(headerRemaining, strconv.Itoa(d.Remaining))
	h.Set(headerReset, strconv.FormatInt(d.ResetTime.UnixMilli(), 10))
}

func writeAllowed(w http.ResponseWriter, d window.Decision) {
	setQuotaHeaders(w, d)
	writeJSON(w, http.StatusOK, allowedResponse{
		Allowed:   true,
		Remaining: d.Remaining,
		ResetTime: d.ResetTime.UnixMilli(),
	})
}

func writeDenied(w http.ResponseWriter, d window.Decision, now time.Time) {
	retry := d.RetryAfterSeconds(now)
	setQuotaHeaders(w, d)
	w.Header().Set(headerRemaining, "0")
	w.Header().Set(headerRetryAfter, strconv.Itoa(retry))
	writeJSON(w, http.StatusTooManyRequests, deniedResponse{Error: msgExceeded, RetryAfter: retry})
}

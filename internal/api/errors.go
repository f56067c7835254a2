package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/metrics"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeResult writes a ledger Result. Successful outcomes go out as 200;
// business denials keep the Result body but carry denialStatus so callers can
// distinguish "you cannot" from "it broke" without parsing the message.
func writeResult(w http.ResponseWriter, res *ledger.Result, denialStatus int) {
	status := http.StatusOK
	if !res.Success {
		status = denialStatus
	}
	writeJSON(w, status, res)
}

// countDenial feeds spend-denial outcomes into the metrics counters. Only
// insufficient-credits and blocked-account denials are counted; protocol
// denials like double-confirms are client mistakes, not ledger pressure.
func countDenial(m *metrics.Metrics, res *ledger.Result) {
	if m == nil || res.Success {
		return
	}
	switch res.Reason {
	case ledger.DenialInsufficientCredits:
		m.InsufficientTotal.Inc()
	case ledger.DenialAccountBlocked:
		m.BlockedAccountTotal.Inc()
	}
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v interface{}) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

package gateway

import (
	"encoding/json"
	"net/http"
)

// Stable error codes returned in structured error bodies.
const (
	codeBadRequest      = "bad_request"
	codeInvalidEnvelope = "invalid_envelope"
	codeBusUnavailable  = "bus_unavailable"
	codeRateLimited     = "rate_limited"
	codeNotReady        = "not_ready"
)

type errorBody struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The client may have gone away; nothing useful to do with the error.
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{Code: code, Error: detail})
}

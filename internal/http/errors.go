// Package httpapi is the local HTTP bridge over the cart, checkout, session and realtime layers.
package httpapi

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"github.com/fairyhunter13/storefront-core/internal/api"
)

// jsonError represents a JSON error payload.
type jsonError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteJSONError writes a JSON error payload with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonError{Error: message, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeUpstreamError passes 4xx rejections through and reports anything else as 502.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var ae *api.APIError
	if errors.As(err, &ae) && ae.Status >= 400 && ae.Status < 500 {
		WriteJSONError(w, ae.Status, "upstream_rejected", ae.Message)
		return
	}
	WriteJSONError(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
}

// decodeJSON reads a strict JSON body into v, writing the error response itself on failure.
// An empty body is accepted when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	if allowEmpty && r.ContentLength == 0 {
		return true
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "application/json" {
		WriteJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "expected application/json")
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

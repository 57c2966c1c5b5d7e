// Package httpx writes the JSON envelopes shared by every panel endpoint.
package httpx

import (
	"encoding/json"
	"net/http"
)

// Problem is the "error" member of a failed response. Code is stable and
// meant for scripts; Message is for people.
type Problem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error writes {"success":false,"error":{...}}. An empty code falls back to
// the status text.
func Error(w http.ResponseWriter, status int, code, message string) {
	ErrorDetails(w, status, code, message, nil)
}

func ErrorDetails(w http.ResponseWriter, status int, code, message string, details any) {
	if code == "" {
		code = http.StatusText(status)
	}
	send(w, status, map[string]any{"success": false, "error": Problem{Code: code, Message: message, Details: details}})
}

// OK writes {"success":true} merged with fields.
func OK(w http.ResponseWriter, fields map[string]any) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["success"] = true
	send(w, http.StatusOK, body)
}

func send(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

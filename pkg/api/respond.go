package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// WriteSuccess writes a 200 response of the form {"success": true, ...fields}.
func WriteSuccess(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// WriteError writes {"success": false, "error": message, "code": code}
// with the canonical status for code.
func WriteError(w http.ResponseWriter, code Code, message string) {
	writeJSON(w, StatusFor(code), map[string]any{
		"success": false,
		"error":   message,
		"code":    code,
	})
}

// WriteErr resolves the taxonomy code carried by err and writes the error
// envelope. Coded errors surface their message verbatim; uncoded errors are
// logged and reported as backend failures without exposing the underlying
// message.
func WriteErr(w http.ResponseWriter, err error) {
	var coded *Error
	if errors.As(err, &coded) {
		WriteError(w, coded.Code, coded.Message)
		return
	}
	slog.Error("backend failure", "error", err)
	WriteError(w, CodeBackendUnavailable, "backend unavailable")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Package response writes the JSON envelopes shared by every endpoint:
// {"data": ...} on success and {"error": {...}} on failure.
package response

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta CollectionMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type CollectionMeta struct {
	Count int `json:"count"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Collection writes a list with its item count.
func Collection(w http.ResponseWriter, data any, count int) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: CollectionMeta{Count: count}})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// CSV writes raw CSV text. With attachment set the browser is asked to save
// it as filename; otherwise it is served inline as plain text.
func CSV(w http.ResponseWriter, filename, content string, attachment bool) {
	if attachment {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", strings.ReplaceAll(filename, `"`, "")))
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(content)); err != nil {
		slog.Debug("writing csv response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing json response", "error", err)
	}
}

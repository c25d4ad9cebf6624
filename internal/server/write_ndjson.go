package server

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"example.com/kolibri/internal/blackbox"
)

// NDJSONWriter streams newline-delimited JSON objects to the underlying writer.
type NDJSONWriter struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
}

// NewNDJSONWriter wraps w; when it supports http.Flusher every record is
// flushed as soon as it is written.
func NewNDJSONWriter(w http.ResponseWriter) *NDJSONWriter {
	var flusher http.Flusher
	if f, ok := w.(http.Flusher); ok {
		flusher = f
	}
	return &NDJSONWriter{writer: w, flusher: flusher}
}

// WriteDiagnostic writes d tagged with type "diagnostic".
func (w *NDJSONWriter) WriteDiagnostic(d blackbox.Diagnostic) error {
	return w.WriteObject(struct {
		Type string `json:"type"`
		blackbox.Diagnostic
	}{Type: "diagnostic", Diagnostic: d})
}

func (w *NDJSONWriter) WriteObject(v any) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.writer.Write(data); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

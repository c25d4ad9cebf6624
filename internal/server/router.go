package server

import "net/http"

// NewRouter wires HTTP routes to the server's handlers.
func NewRouter(s *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/command", s.handleCommand)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/decode", s.handleDecode)
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/manifest", s.handleManifest)
	mux.HandleFunc("/artifacts", s.handleArtifacts)
	mux.HandleFunc("/artifacts/", s.handleArtifactDownload)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

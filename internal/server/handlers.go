package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"example.com/kolibri/internal/blackbox"
	"example.com/kolibri/internal/common"
	"example.com/kolibri/internal/manifest"
	"example.com/kolibri/internal/msp"
	"example.com/kolibri/internal/report"
	"example.com/kolibri/internal/session"
)

type statusResponse struct {
	Session   session.Status         `json:"session"`
	Link      common.MetricsSnapshot `json:"link"`
	Artifacts int                    `json:"artifacts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var resp statusResponse
	if cmd := s.opts.Session; cmd != nil {
		resp.Session = cmd.Status()
		resp.Link = cmd.Metrics().Snapshot()
	}
	resp.Artifacts = len(s.listArtifacts())
	writeJSON(w, http.StatusOK, resp)
}

type commandRequest struct {
	Fn         string `json:"fn"`
	PayloadHex string `json:"payloadHex"`
	Version    string `json:"version"`
	TimeoutMs  int    `json:"timeoutMs"`
	// Retries is the number of re-sends; absent takes the session default.
	Retries *int `json:"retries"`
}

type commandResponse struct {
	Fn         string        `json:"fn"`
	Code       uint16        `json:"code"`
	Direction  string        `json:"direction"`
	Version    string        `json:"version"`
	Flag       uint8         `json:"flag"`
	PayloadHex string        `json:"payloadHex"`
	Elapsed    time.Duration `json:"elapsed"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Session == nil {
		http.Error(w, session.ErrNotConnected.Error(), http.StatusServiceUnavailable)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	fn, err := msp.ParseFn(req.Fn)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	payload, err := hex.DecodeString(strings.TrimSpace(req.PayloadHex))
	if err != nil {
		http.Error(w, fmt.Sprintf("payloadHex: %v", err), http.StatusBadRequest)
		return
	}
	opts := session.SendOptions{Timeout: time.Duration(req.TimeoutMs) * time.Millisecond}
	if req.Version != "" {
		if opts.Version, err = msp.ParseVersion(strings.ToLower(req.Version)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Retries != nil {
		opts.Retries = *req.Retries
		if opts.Retries <= 0 {
			opts.Retries = session.NoRetry
		}
	}
	start := time.Now()
	resp, err := s.opts.Session.SendCommand(r.Context(), fn, payload, opts)
	if err != nil {
		logRequestError("command "+fn.String(), err)
		http.Error(w, err.Error(), commandErrorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{
		Fn:         resp.Fn.String(),
		Code:       uint16(resp.Fn),
		Direction:  resp.Direction.String(),
		Version:    resp.Version.String(),
		Flag:       resp.Flag,
		PayloadHex: hex.EncodeToString(resp.Payload),
		Elapsed:    time.Since(start),
	})
}

func commandErrorStatus(err error) int {
	var backend *session.BackendError
	switch {
	case errors.Is(err, session.ErrCmdDisabled):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &backend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type decodeRequest struct {
	Input string `json:"input"`
	// Derive overrides the server default.
	Derive *bool `json:"derive"`
	// Skip keeps every nth frame in the series artifact.
	Skip int `json:"skip"`
}

type decodeResponse struct {
	Log       *blackbox.Log `json:"log"`
	Series    []string      `json:"series"`
	Generated []string      `json:"generated,omitempty"`
	Artifacts []ArtifactRef `json:"artifacts"`
}

// seriesDocument is the body of the series artifact.
type seriesDocument struct {
	FramesPerSecond float64          `json:"framesPerSecond"`
	FrameCount      int              `json:"frameCount"`
	FrameLoaded     []int            `json:"frameLoaded"`
	Data            blackbox.LogData `json:"data"`
	FlightModes     []blackbox.Event `json:"flightModes"`
	Highlights      []int            `json:"highlights"`
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stream := r.URL.Query().Get("stream") == "true"
	var req decodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	l, _, err := s.loadLog(req.Input)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	derive := s.opts.Derive
	if req.Derive != nil {
		derive = *req.Derive
	}
	resp := decodeResponse{Log: l}
	if derive {
		resp.Generated = l.Derive(s.opts.DeriveOptions)
	}
	resp.Series = l.SeriesNames()

	art, err := s.writeSeriesArtifact(l.Skip(req.Skip))
	if err == nil {
		resp.Artifacts = []ArtifactRef{toRef(art)}
	}
	if !stream {
		if err != nil {
			http.Error(w, fmt.Sprintf("series artifact: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	writer := NewNDJSONWriter(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	for _, d := range l.Diagnostics {
		if werr := writer.WriteDiagnostic(d); werr != nil {
			return
		}
	}
	if err != nil {
		_ = writer.WriteObject(map[string]any{"type": "error", "error": err.Error()})
		return
	}
	_ = writer.WriteObject(struct {
		Type string `json:"type"`
		decodeResponse
	}{Type: "decode", decodeResponse: resp})
}

func (s *Server) writeSeriesArtifact(l *blackbox.Log) (Artifact, error) {
	path, err := s.tempPath("series-*.json")
	if err != nil {
		return Artifact{}, err
	}
	doc := seriesDocument{
		FramesPerSecond: l.FramesPerSecond(),
		FrameCount:      l.FrameCount,
		FrameLoaded:     make([]int, len(l.FrameLoaded)),
		Data:            l.Data,
		FlightModes:     l.FlightModes,
		Highlights:      l.Highlights,
	}
	for i, v := range l.FrameLoaded {
		doc.FrameLoaded[i] = int(v)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return Artifact{}, err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return Artifact{}, err
	}
	return s.addArtifact(path, "series.json", "application/json", "series")
}

type reportRequest struct {
	Input string `json:"input"`
	Lang  string `json:"lang"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	lang := s.opts.Lang
	if req.Lang != "" {
		var err error
		if lang, err = report.ParseLanguage(req.Lang); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	l, name, err := s.loadLog(req.Input)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.opts.Derive {
		l.Derive(s.opts.DeriveOptions)
	}
	sum := report.Summarize(l, name)

	jsonPath, err := s.tempPath("summary-*.json")
	if err != nil {
		http.Error(w, fmt.Sprintf("summary temp: %v", err), http.StatusInternalServerError)
		return
	}
	if err := report.SaveSummaryJSON(sum, jsonPath); err != nil {
		http.Error(w, fmt.Sprintf("write summary: %v", err), http.StatusInternalServerError)
		return
	}
	pdfPath, err := s.tempPath("report-*.pdf")
	if err != nil {
		http.Error(w, fmt.Sprintf("report pdf temp: %v", err), http.StatusInternalServerError)
		return
	}
	if err := report.SaveFlightPDF(sum, pdfPath, report.PDFOptions{Lang: lang}); err != nil {
		http.Error(w, fmt.Sprintf("write report: %v", err), http.StatusInternalServerError)
		return
	}
	jsonArt, err := s.addArtifact(jsonPath, "flight_summary.json", "application/json", "report")
	if err != nil {
		http.Error(w, fmt.Sprintf("register summary: %v", err), http.StatusInternalServerError)
		return
	}
	pdfArt, err := s.addArtifact(pdfPath, "flight_report.pdf", "application/pdf", "report")
	if err != nil {
		http.Error(w, fmt.Sprintf("register report: %v", err), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Summary   report.Summary `json:"summary"`
		Artifacts []ArtifactRef  `json:"artifacts"`
	}{
		Summary:   sum,
		Artifacts: []ArtifactRef{toRef(jsonArt), toRef(pdfArt)},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Inputs []string `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Inputs) == 0 {
		http.Error(w, "inputs required", http.StatusBadRequest)
		return
	}
	paths := make([]string, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		p, _, err := s.resolvePath(in)
		if err != nil {
			http.Error(w, fmt.Sprintf("input resolve: %v", err), http.StatusBadRequest)
			return
		}
		paths = append(paths, p)
	}
	m, err := manifest.Build(paths)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out, err := s.tempPath("manifest-*.json")
	if err != nil {
		http.Error(w, fmt.Sprintf("manifest temp: %v", err), http.StatusInternalServerError)
		return
	}
	if err := manifest.Save(m, out); err != nil {
		http.Error(w, fmt.Sprintf("write manifest: %v", err), http.StatusInternalServerError)
		return
	}
	art, err := s.addArtifact(out, "manifest.json", "application/json", "manifest")
	if err != nil {
		http.Error(w, fmt.Sprintf("register manifest: %v", err), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Manifest manifest.Manifest `json:"manifest"`
		Artifact ArtifactRef       `json:"artifact"`
	}{Manifest: m, Artifact: toRef(art)}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.listArtifacts())
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	if id == "" {
		s.handleArtifacts(w, r)
		return
	}
	art, ok := s.getArtifact(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(art.Path)
	if err != nil {
		http.Error(w, fmt.Sprintf("open artifact: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("stat artifact: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Name))
	http.ServeContent(w, r, art.Name, info.ModTime(), f)
}

// loadLog parses the log named by an artifact id or path.
func (s *Server) loadLog(input string) (*blackbox.Log, string, error) {
	path, name, err := s.resolvePath(input)
	if err != nil {
		return nil, "", fmt.Errorf("input resolve: %w", err)
	}
	l, err := blackbox.ParseFile(path)
	if err != nil {
		return nil, "", err
	}
	return l, name, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logRequestError("write response", err)
	}
}

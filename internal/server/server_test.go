package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"example.com/kolibri/internal/blackbox"
	"example.com/kolibri/internal/common"
	"example.com/kolibri/internal/msp"
	"example.com/kolibri/internal/session"
)

type fakeSession struct {
	mu       sync.Mutex
	handlers []session.Handler
	lastFn   msp.Fn
	lastBody []byte
	lastOpts session.SendOptions
	reply    msp.Command
	err      error
	metrics  *common.Metrics
}

func newFakeSession() *fakeSession {
	return &fakeSession{metrics: common.NewMetrics()}
}

func (f *fakeSession) SendCommand(ctx context.Context, fn msp.Fn, payload []byte, opts session.SendOptions) (msp.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFn, f.lastBody, f.lastOpts = fn, payload, opts
	if f.err != nil {
		return msp.Command{}, f.err
	}
	return f.reply, nil
}

func (f *fakeSession) Status() session.Status {
	return session.Status{Connected: true, Enabled: true, Address: "tcp://127.0.0.1:5761"}
}

func (f *fakeSession) Subscribe(fn session.Handler) func() {
	f.mu.Lock()
	f.handlers = append(f.handlers, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeSession) Metrics() *common.Metrics { return f.metrics }

func (f *fakeSession) emit(c msp.Command) bool {
	f.mu.Lock()
	hs := append([]session.Handler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range hs {
		h(c)
	}
	return len(hs) > 0
}

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	opts.StorageDir = filepath.Join(t.TempDir(), "storage")
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(NewRouter(srv))
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

func sampleLogBytes(t *testing.T) []byte {
	t.Helper()
	h := &blackbox.Header{
		Version:    [3]byte{0, 5, 2},
		Start:      time.Unix(1710000000, 0).UTC(),
		PIDFreq:    3200,
		FreqDiv:    4,
		GyroRange:  2000,
		AccelRange: 16,
		MotorPoles: 14,
	}
	for axis := 0; axis < 3; axis++ {
		h.Rates[axis] = blackbox.Rates{Center: 70, Max: 670, Expo: 0.5}
		h.PIDGains[axis] = [5]float64{1, 0.5, 2, 0.25, 0.125}
	}
	h.SetChannels([]string{blackbox.LogELRSRaw, blackbox.LogRollGyroRaw, blackbox.LogMotorOutputs})
	l := blackbox.NewLog(h, 32)
	ramp := func(base, step float64) []float64 {
		out := make([]float64, l.FrameCount)
		for i := range out {
			out[i] = base + step*float64(i)
		}
		return out
	}
	l.SetSeries(blackbox.SeriesELRSRoll, ramp(1400, 5))
	l.SetSeries(blackbox.SeriesELRSPitch, ramp(1500, 0))
	l.SetSeries(blackbox.SeriesELRSThrottle, ramp(1000, 20))
	l.SetSeries(blackbox.SeriesELRSYaw, ramp(1500, 0))
	l.SetSeries(blackbox.SeriesGyroRoll, ramp(0, 0.5))
	l.SetSeries(blackbox.SeriesMotorRR, ramp(100, 10))
	b, err := blackbox.Encode(l, blackbox.EncodeOptions{SyncInterval: 8})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d: %s", resp.StatusCode, b)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func upload(t *testing.T, baseURL, name string, data []byte) ArtifactRef {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	fw.Write(data)
	mw.Close()
	resp, err := http.Post(baseURL+"/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var out struct {
		Files []ArtifactRef `json:"files"`
	}
	decodeBody(t, resp, &out)
	if len(out.Files) != 1 {
		t.Fatalf("expected one uploaded file, got %d", len(out.Files))
	}
	return out.Files[0]
}

func download(t *testing.T, baseURL, id string) []byte {
	t.Helper()
	resp, err := http.Get(baseURL + "/artifacts/" + id)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return b
}

func TestStatusWithoutSession(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var st statusResponse
	decodeBody(t, resp, &st)
	if st.Session.Connected {
		t.Fatalf("expected disconnected status")
	}
	cmd := postJSON(t, ts.URL+"/command", map[string]any{"fn": "STATUS"})
	cmd.Body.Close()
	if cmd.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("command without session: %d", cmd.StatusCode)
	}
}

func TestCommand(t *testing.T) {
	fake := newFakeSession()
	fake.reply = msp.Command{Fn: msp.FnStatus, Direction: msp.Response, Version: msp.V2, Payload: []byte{0xA4, 0x06}}
	_, ts := newTestServer(t, Options{Session: fake})

	var out commandResponse
	decodeBody(t, postJSON(t, ts.URL+"/command", map[string]any{
		"fn": "status", "payloadHex": "0102", "version": "V1", "timeoutMs": 250, "retries": 0,
	}), &out)
	if out.PayloadHex != "a406" || out.Direction != msp.Response.String() || out.Code != uint16(msp.FnStatus) {
		t.Fatalf("unexpected response %+v", out)
	}
	if fake.lastFn != msp.FnStatus || !bytes.Equal(fake.lastBody, []byte{1, 2}) {
		t.Fatalf("command not forwarded: %v %x", fake.lastFn, fake.lastBody)
	}
	if fake.lastOpts.Version != msp.V1 || fake.lastOpts.Timeout != 250*time.Millisecond || fake.lastOpts.Retries != session.NoRetry {
		t.Fatalf("send options %+v", fake.lastOpts)
	}

	bad := postJSON(t, ts.URL+"/command", map[string]any{"fn": "STATUS", "payloadHex": "zz"})
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad hex: %d", bad.StatusCode)
	}
}

func TestCommandErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{session.ErrCmdDisabled, http.StatusConflict},
		{session.ErrNotConnected, http.StatusServiceUnavailable},
		{fmt.Errorf("STATUS: %w", session.ErrTimeout), http.StatusGatewayTimeout},
		{&session.BackendError{Err: errors.New("broken pipe")}, http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := commandErrorStatus(tc.err); got != tc.want {
			t.Fatalf("%v: status %d want %d", tc.err, got, tc.want)
		}
	}

	fake := newFakeSession()
	fake.err = session.ErrTimeout
	_, ts := newTestServer(t, Options{Session: fake})
	resp := postJSON(t, ts.URL+"/command", map[string]any{"fn": "0x0065"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("timeout mapped to %d", resp.StatusCode)
	}
}

func TestUploadDecodeReport(t *testing.T) {
	_, ts := newTestServer(t, Options{Derive: true})
	ref := upload(t, ts.URL, "LOG00003.kbb", sampleLogBytes(t))
	if ref.Kind != "blackbox" || ref.Name != "LOG00003.kbb" {
		t.Fatalf("upload ref %+v", ref)
	}

	var dec struct {
		Log struct {
			FrameCount int `json:"frameCount"`
		} `json:"log"`
		Series    []string      `json:"series"`
		Generated []string      `json:"generated"`
		Artifacts []ArtifactRef `json:"artifacts"`
	}
	decodeBody(t, postJSON(t, ts.URL+"/decode", map[string]any{"input": ref.ID, "skip": 2}), &dec)
	if dec.Log.FrameCount != 32 {
		t.Fatalf("frame count %d", dec.Log.FrameCount)
	}
	if len(dec.Generated) == 0 || len(dec.Artifacts) != 1 {
		t.Fatalf("decode response %+v", dec)
	}
	var doc seriesDocument
	if err := json.Unmarshal(download(t, ts.URL, dec.Artifacts[0].ID), &doc); err != nil {
		t.Fatalf("series json: %v", err)
	}
	if doc.FrameCount != 16 || len(doc.Data[blackbox.SeriesELRSRoll]) != 16 {
		t.Fatalf("skip not applied: %d frames", doc.FrameCount)
	}
	if doc.Data[blackbox.SeriesELRSRoll][1] != 1410 {
		t.Fatalf("sampled value %v", doc.Data[blackbox.SeriesELRSRoll][1])
	}

	var rep struct {
		Summary struct {
			File   string `json:"file"`
			SHA256 string `json:"sha256"`
		} `json:"summary"`
		Artifacts []ArtifactRef `json:"artifacts"`
	}
	decodeBody(t, postJSON(t, ts.URL+"/report", map[string]any{"input": ref.ID, "lang": "tr"}), &rep)
	if rep.Summary.File != "LOG00003.kbb" || len(rep.Summary.SHA256) != 64 || len(rep.Artifacts) != 2 {
		t.Fatalf("report response %+v", rep)
	}
	pdf := download(t, ts.URL, rep.Artifacts[1].ID)
	if !bytes.HasPrefix(pdf, []byte("%PDF-")) {
		t.Fatalf("report artifact is not a PDF")
	}

	var man struct {
		Manifest struct {
			Items []struct {
				Type string `json:"type"`
			} `json:"items"`
		} `json:"manifest"`
	}
	decodeBody(t, postJSON(t, ts.URL+"/manifest", map[string]any{"inputs": []string{ref.ID, rep.Artifacts[1].ID}}), &man)
	if len(man.Manifest.Items) != 2 || man.Manifest.Items[0].Type != "blackbox" || man.Manifest.Items[1].Type != "pdf" {
		t.Fatalf("manifest %+v", man)
	}
}

func TestDecodeStream(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	data := sampleLogBytes(t)
	// Garbage after the header forces a desync diagnostic.
	corrupt := append(append([]byte(nil), data[:blackbox.HeaderSize]...), 0x7F, 0x7F)
	corrupt = append(corrupt, data[blackbox.HeaderSize:]...)
	path := filepath.Join(t.TempDir(), "bad.kbb")
	if err := os.WriteFile(path, corrupt, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := postJSON(t, ts.URL+"/decode?stream=true", map[string]any{"input": path})
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type %q", ct)
	}
	var types []string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var rec struct {
			Type string `json:"type"`
			Code string `json:"code"`
		}
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		types = append(types, rec.Type+":"+rec.Code)
	}
	if len(types) < 2 || types[0] != "diagnostic:"+blackbox.CodeDesync || types[len(types)-1] != "decode:" {
		t.Fatalf("unexpected stream %v", types)
	}
}

func TestDecodeRejectsMissingInput(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	resp := postJSON(t, ts.URL+"/decode", map[string]any{"input": "does-not-exist"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	notFound, err := http.Get(ts.URL + "/artifacts/unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	notFound.Body.Close()
	if notFound.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown artifact: %d", notFound.StatusCode)
	}
}

func TestWebsocketFeed(t *testing.T) {
	fake := newFakeSession()
	srv, ts := newTestServer(t, Options{Session: fake, StatusInterval: -1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if first.Type != EventStatus || first.Status == nil || !first.Status.Connected {
		t.Fatalf("first event %+v", first)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !fake.emit(msp.Command{Fn: msp.FnStatus, Direction: msp.Response, Version: msp.V2, Payload: []byte{1}}) {
		if time.Now().After(deadline) {
			t.Fatalf("server never subscribed to the session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read command: %v", err)
	}
	if ev.Type != EventCommand || ev.Command == nil || ev.Command.Code != uint16(msp.FnStatus) || ev.Command.PayloadHex != "01" {
		t.Fatalf("command event %+v", ev)
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub(WithClientBuffer(1))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	sub := h.Subscribe()
	for i := 0; i < 5; i++ {
		h.Publish(Event{Type: EventStatus})
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(sub); n != 1 {
		t.Fatalf("buffered %d events, want 1", n)
	}
	cancel()
	for range sub {
	}
	if h.Subscribe() != nil {
		t.Fatalf("subscribe after stop should return nil")
	}
	h.Publish(Event{})
	h.Unsubscribe(sub)
}

func TestWSClientSendAfterClose(t *testing.T) {
	c := newWSClient(nil, 1)
	if !c.trySend([]byte("a")) {
		t.Fatalf("first message not queued")
	}
	if c.trySend([]byte("b")) {
		t.Fatalf("message queued past the buffer")
	}
	<-c.send

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.trySend([]byte("x"))
			}
		}()
	}
	c.close()
	c.close()
	wg.Wait()
	for len(c.send) > 0 {
		<-c.send
	}
	if c.trySend([]byte("late")) {
		t.Fatalf("closed client accepted a message")
	}
}

package report

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"example.com/kolibri/internal/blackbox"
)

func sampleLog(t *testing.T) *blackbox.Log {
	t.Helper()
	h := &blackbox.Header{
		Version:    [3]byte{0, 5, 2},
		Start:      time.Unix(1710000000, 0).UTC(),
		Duration:   2,
		PIDFreq:    3200,
		FreqDiv:    4,
		GyroRange:  2000,
		AccelRange: 16,
		MotorPoles: 14,
		Rates: [3]blackbox.Rates{
			{Center: 70, Max: 670, Expo: 0.5},
			{Center: 70, Max: 670, Expo: 0.5},
			{Center: 50, Max: 400, Expo: 0.25},
		},
	}
	for axis := 0; axis < 3; axis++ {
		h.PIDGains[axis] = [5]float64{1, 0.5, 2, 0.25, 0.125}
	}
	h.SetChannels([]string{blackbox.LogELRSRaw, blackbox.LogRollGyroRaw, blackbox.LogVBat})
	l := blackbox.NewLog(h, 40)
	series := func(fn func(i int) float64) []float64 {
		out := make([]float64, l.FrameCount)
		for i := range out {
			out[i] = fn(i)
		}
		return out
	}
	l.SetSeries(blackbox.SeriesELRSRoll, series(func(i int) float64 { return float64(1400 + 5*i) }))
	l.SetSeries(blackbox.SeriesELRSPitch, series(func(int) float64 { return 1500 }))
	l.SetSeries(blackbox.SeriesELRSThrottle, series(func(i int) float64 { return float64(1000 + 10*i) }))
	l.SetSeries(blackbox.SeriesELRSYaw, series(func(int) float64 { return 1500 }))
	l.SetSeries(blackbox.SeriesGyroRoll, series(func(i int) float64 { return float64(i) / 4 }))
	l.SetSeries(blackbox.SeriesVBat, series(func(int) float64 { return 16.4 }))
	l.MarkLoaded(0, blackbox.LoadedBattery)

	b, err := blackbox.Encode(l, blackbox.EncodeOptions{SyncInterval: 8})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	parsed, err := blackbox.Parse(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	parsed.Derive(blackbox.DefaultDeriveOptions())
	return parsed
}

func TestSummarize(t *testing.T) {
	l := sampleLog(t)
	sum := Summarize(l, "/tmp/flight/LOG00007.kbb")
	if sum.File != "LOG00007.kbb" {
		t.Fatalf("file %q", sum.File)
	}
	if len(sum.SHA256) != 64 || sum.Size != int64(len(l.Raw)) {
		t.Fatalf("hash %q size %d", sum.SHA256, sum.Size)
	}
	if sum.Version != "0.5.2" || sum.FramesPerSecond != 800 || sum.FrameCount != 40 {
		t.Fatalf("header fields %+v", sum)
	}
	if len(sum.Derived) == 0 {
		t.Fatalf("expected generated series listed as derived")
	}
	for _, d := range sum.Derived {
		if !strings.HasPrefix(d, "GEN_") {
			t.Fatalf("unexpected derived flag %q", d)
		}
	}
	var roll *ChannelStats
	for i := range sum.Stats {
		if sum.Stats[i].Name == blackbox.SeriesELRSRoll {
			roll = &sum.Stats[i]
		}
	}
	if roll == nil {
		t.Fatalf("no stats for %s", blackbox.SeriesELRSRoll)
	}
	if roll.Min != 1400 || roll.Max != 1595 || roll.Mean != 1497.5 {
		t.Fatalf("roll stats %+v", *roll)
	}
	if !sum.Pass() {
		t.Fatalf("clean log should pass: %+v", sum.Counts)
	}
}

func TestSeriesStatsSkipsNaN(t *testing.T) {
	nan := math.NaN()
	st, ok := seriesStats("x", []float64{nan, 2, 4})
	if !ok || st.Min != 2 || st.Max != 4 || st.Mean != 3 {
		t.Fatalf("stats %+v ok=%v", st, ok)
	}
	if _, ok := seriesStats("y", []float64{nan}); ok {
		t.Fatalf("all-NaN series should have no stats")
	}
}

func TestSummaryJSONRoundTrip(t *testing.T) {
	sum := Summarize(sampleLog(t), "a.kbb")
	path := filepath.Join(t.TempDir(), "summary.json")
	if err := SaveSummaryJSON(sum, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadSummaryJSON(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.SHA256 != sum.SHA256 || got.FrameCount != sum.FrameCount || len(got.Stats) != len(sum.Stats) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestSaveFlightPDF(t *testing.T) {
	sum := Summarize(sampleLog(t), "a.kbb")
	sum.Diagnostics = append(sum.Diagnostics, blackbox.Diagnostic{
		Severity: blackbox.SeverityWarning, Code: blackbox.CodeDesync, Offset: 12, Frame: 3, Message: "skipped 4 bytes",
	})
	sum.Counts.Warnings++
	for _, lang := range []Language{LangEnglish, LangTurkish} {
		out := filepath.Join(t.TempDir(), "report.pdf")
		if err := SaveFlightPDF(sum, out, PDFOptions{Lang: lang}); err != nil {
			t.Fatalf("%s: save pdf: %v", lang, err)
		}
		b, err := os.ReadFile(out)
		if err != nil {
			t.Fatalf("read pdf: %v", err)
		}
		if !bytes.HasPrefix(b, []byte("%PDF-")) {
			t.Fatalf("%s: output is not a PDF", lang)
		}
	}
}

func TestLogHashToQR(t *testing.T) {
	png, err := LogHashToQR(strings.Repeat("ab", 32), 0)
	if err != nil {
		t.Fatalf("qr: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatalf("not a PNG")
	}
	if _, err := LogHashToQR("abc", 64); !errors.Is(err, ErrBadHash) {
		t.Fatalf("expected ErrBadHash, got %v", err)
	}
	if got := normalizeHash(" de:ad-BE ef "); got != "DEADBEEF" {
		t.Fatalf("normalize %q", got)
	}
}

func TestTranslator(t *testing.T) {
	tr := NewTranslator(LangTurkish)
	if tr.T("title") == NewTranslator(LangEnglish).T("title") {
		t.Fatalf("turkish title not localized")
	}
	if got := tr.T("no.such.key"); got != "no.such.key" {
		t.Fatalf("missing key fallback %q", got)
	}
	if got := NewTranslator("xx").Lang(); got != LangEnglish {
		t.Fatalf("unknown language fallback %q", got)
	}
	lang, err := ParseLanguage("TR-tr")
	if err != nil || lang != LangTurkish {
		t.Fatalf("parse language %q %v", lang, err)
	}
	if _, err := ParseLanguage("de"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestLocalesComplete(t *testing.T) {
	langs := Languages()
	if len(langs) != 2 || langs[0] != LangEnglish || langs[1] != LangTurkish {
		t.Fatalf("unexpected languages %v", langs)
	}
	for _, lang := range langs {
		if missing := MissingKeys(lang); len(missing) != 0 {
			t.Fatalf("%s locale lacks %v", lang, missing)
		}
		if got, err := ParseLanguage(" " + strings.ToUpper(string(lang))); err != nil || got != lang {
			t.Fatalf("ParseLanguage(%s) = %q, %v", lang, got, err)
		}
	}
}

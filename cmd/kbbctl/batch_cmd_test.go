package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"example.com/kolibri/internal/blackbox"
	"example.com/kolibri/internal/manifest"
	"example.com/kolibri/internal/report"
)

func writeSyntheticLog(t *testing.T, path string, frames int) {
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
	h.SetChannels([]string{blackbox.LogELRSRaw, blackbox.LogRollGyroRaw, blackbox.LogVBat})
	l := blackbox.NewLog(h, frames)
	ramp := func(base, step float64) []float64 {
		out := make([]float64, frames)
		for i := range out {
			out[i] = base + step*float64(i)
		}
		return out
	}
	l.SetSeries(blackbox.SeriesELRSRoll, ramp(1400, 5))
	l.SetSeries(blackbox.SeriesELRSPitch, ramp(1500, 0))
	l.SetSeries(blackbox.SeriesELRSThrottle, ramp(1000, 10))
	l.SetSeries(blackbox.SeriesELRSYaw, ramp(1500, 0))
	l.SetSeries(blackbox.SeriesGyroRoll, ramp(0, 0.25))
	l.SetSeries(blackbox.SeriesVBat, ramp(16.8, 0))
	b, err := blackbox.Encode(l, blackbox.EncodeOptions{SyncInterval: 8})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestBatchCmdGeneratesOutputs(t *testing.T) {
	root := t.TempDir()
	inputDir := filepath.Join(root, "inputs")
	nestedDir := filepath.Join(inputDir, "nested")
	if err := os.MkdirAll(nestedDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	outDir := filepath.Join(root, "out")

	writeSyntheticLog(t, filepath.Join(inputDir, "alpha.kbb"), 24)
	writeSyntheticLog(t, filepath.Join(nestedDir, "beta.bbl"), 40)
	if err := os.WriteFile(filepath.Join(inputDir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("WriteFile notes: %v", err)
	}

	batchCmd([]string{
		"--in", inputDir,
		"--out-dir", outDir,
		"--lang", "tr",
	})

	check := func(name string, frames int) {
		out := filepath.Join(outDir, name)
		if info, err := os.Stat(out); err != nil || !info.IsDir() {
			t.Fatalf("Output dir missing for %s: %v", name, err)
		}
		sum, err := report.LoadSummaryJSON(filepath.Join(out, "summary.json"))
		if err != nil {
			t.Fatalf("LoadSummaryJSON %s: %v", name, err)
		}
		if sum.FrameCount != frames || !sum.Pass() {
			t.Fatalf("unexpected summary for %s: frames=%d pass=%v", name, sum.FrameCount, sum.Pass())
		}
		pdf, err := os.ReadFile(filepath.Join(out, "report.pdf"))
		if err != nil {
			t.Fatalf("ReadFile pdf %s: %v", name, err)
		}
		if !bytes.HasPrefix(pdf, []byte("%PDF-")) {
			t.Fatalf("report for %s is not a PDF", name)
		}
	}
	check("alpha", 24)
	check("beta", 40)

	if _, err := os.Stat(filepath.Join(outDir, "notes")); !os.IsNotExist(err) {
		t.Fatalf("non-log file produced output: %v", err)
	}

	m, err := manifest.Load(filepath.Join(outDir, "manifest.json"))
	if err != nil {
		t.Fatalf("Load manifest: %v", err)
	}
	if len(m.Items) != 6 {
		t.Fatalf("manifest has %d items, want 6", len(m.Items))
	}
	bad, err := manifest.Verify(m, "")
	if err != nil || len(bad) != 0 {
		t.Fatalf("Verify: %v %+v", err, bad)
	}
}

func TestRunBatchSkipsCorruptLogs(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "broken.kbb"), []byte("not a blackbox log"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	writeSyntheticLog(t, filepath.Join(root, "good.kbb"), 16)

	processed, failed, err := runBatch(root, filepath.Join(root, "out"), report.LangEnglish)
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if processed != 1 || failed != 1 {
		t.Fatalf("processed=%d failed=%d, want 1 and 1", processed, failed)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a.kbb, ,b.json,")
	if len(got) != 2 || got[0] != "a.kbb" || got[1] != "b.json" {
		t.Fatalf("splitList = %q", got)
	}
}

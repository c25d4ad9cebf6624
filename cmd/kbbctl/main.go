package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"example.com/kolibri/internal/blackbox"
	"example.com/kolibri/internal/common"
	"example.com/kolibri/internal/manifest"
	"example.com/kolibri/internal/report"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	switch cmd {
	case "decode":
		decodeCmd(os.Args[2:])
	case "export":
		exportCmd(os.Args[2:])
	case "report":
		reportCmd(os.Args[2:])
	case "manifest":
		manifestCmd(os.Args[2:])
	case "verify":
		verifyCmd(os.Args[2:])
	case "batch":
		batchCmd(os.Args[2:])
	case "ports":
		portsCmd(os.Args[2:])
	case "send":
		sendCmd(os.Args[2:])
	case "ping":
		pingCmd(os.Args[2:])
	case "list":
		listCmd(os.Args[2:])
	case "download":
		downloadCmd(os.Args[2:])
	case "erase":
		eraseCmd(os.Args[2:])
	case "settings":
		settingsCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Printf(`kbbctl %s (built %s) <command> [options]

Commands:
  decode    --in <file.kbb> [--derive] [--ifalloff <f>] [--json <out.json>]
  export    --in <file.kbb> --out <file.kbb> [--derive] [--interpolate] [--skip <n>] [--sync <frames>]
  report    --in <file.kbb> [--pdf <out.pdf>] [--json <summary.json>] [--lang en|tr] [--no-qr]
  manifest  --inputs <comma-separated> --out <manifest.json>
  verify    --manifest <manifest.json> [--base <dir>]
  batch     --in <dir> --out-dir <dir> [--lang en|tr]
  ports
  send      --addr <address> --fn <NAME|0xNNNN> [--payload <hex>] [--version v2|v1|v2overv1] [--retries <n>]
  ping      --addr <address> [--count <n>]
  list      --addr <address>
  download  --addr <address> --num <n> --out <file.kbb> [--progress]
  erase     --addr <address> (--num <n> | --all)
  settings  --addr <address>

Addresses are tcp://host[:port] or serial:///dev/ttyACM0.
`, version, buildDate)
}

func exitf(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

// decodeDocument is the --json output of decode: the log metadata plus every
// series column.
type decodeDocument struct {
	Log         *blackbox.Log    `json:"log"`
	Generated   []string         `json:"generated,omitempty"`
	FrameLoaded []int            `json:"frameLoaded"`
	Data        blackbox.LogData `json:"data"`
}

func decodeCmd(args []string) {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	in := fs.String("in", "", "input blackbox log")
	derive := fs.Bool("derive", false, "generate missing channels from logged ones")
	iFalloff := fs.Float64("ifalloff", blackbox.DefaultIFalloff, "I-term decay per sample before takeoff")
	jsonOut := fs.String("json", "", "write decoded series as JSON")
	fs.Parse(args)

	if *in == "" {
		exitf("required: --in")
	}
	l, err := blackbox.ParseFile(*in)
	if err != nil {
		exitf("decode: %v", err)
	}
	var generated []string
	if *derive {
		generated = l.Derive(blackbox.DeriveOptions{IFalloff: *iFalloff})
	}

	h := l.Header
	fmt.Printf("Version:   %d.%d.%d\n", h.Version[0], h.Version[1], h.Version[2])
	fmt.Printf("Start:     %s\n", h.Start.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Frames:    %d at %.1f Hz (stride %d)\n", l.FrameCount, l.FramesPerSecond(), h.Stride)
	fmt.Printf("Channels:  %s\n", strings.Join(h.Channels(), ", "))
	if len(generated) > 0 {
		fmt.Printf("Generated: %s\n", strings.Join(generated, ", "))
		if l.Inexact {
			fmt.Println("Note: some generated series are approximations")
		}
	}
	fmt.Printf("Events:    %d flight mode, %d highlight, %d sync\n", len(l.FlightModes), len(l.Highlights), len(l.Syncs))
	counts := blackbox.CountBySeverity(l.Diagnostics)
	fmt.Printf("Diagnostics: errors=%d, warnings=%d, info=%d\n",
		counts[blackbox.SeverityError], counts[blackbox.SeverityWarning], counts[blackbox.SeverityInfo])
	for _, d := range l.Diagnostics {
		fmt.Printf("  %s %s @%d (frame %d): %s\n", d.Severity, d.Code, d.Offset, d.Frame, d.Message)
	}

	if *jsonOut == "" {
		return
	}
	doc := decodeDocument{Log: l, Generated: generated, FrameLoaded: make([]int, len(l.FrameLoaded)), Data: l.Data}
	for i, v := range l.FrameLoaded {
		doc.FrameLoaded[i] = int(v)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		exitf("marshal: %v", err)
	}
	if err := common.WriteFileAtomic(*jsonOut, b); err != nil {
		exitf("write json: %v", err)
	}
	fmt.Println("Wrote", *jsonOut)
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	in := fs.String("in", "", "input blackbox log")
	out := fs.String("out", "", "output blackbox log")
	derive := fs.Bool("derive", false, "write generated channels as if logged")
	interpolate := fs.Bool("interpolate", false, "ramp sparse channels between observations")
	skip := fs.Int("skip", 1, "keep every nth frame")
	syncInterval := fs.Int("sync", 0, "sync record interval in frames (0 keeps the header's)")
	fs.Parse(args)

	if *in == "" || *out == "" {
		exitf("required: --in, --out")
	}
	l, err := blackbox.ParseFile(*in)
	if err != nil {
		exitf("decode: %v", err)
	}
	if *derive {
		l.Derive(blackbox.DefaultDeriveOptions())
	}
	l = l.Skip(*skip)
	b, err := blackbox.Encode(l, blackbox.EncodeOptions{
		SyncInterval:   *syncInterval,
		IncludeDerived: *derive,
		Interpolate:    *interpolate,
	})
	if err != nil {
		exitf("encode: %v", err)
	}
	if err := common.WriteFileAtomic(*out, b); err != nil {
		exitf("write: %v", err)
	}
	fmt.Printf("Wrote %s (%d frames, %s)\n", *out, l.FrameCount, common.FormatBytes(int64(len(b))))
}

func reportCmd(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	in := fs.String("in", "", "input blackbox log")
	pdfPath := fs.String("pdf", "", "output flight report PDF")
	jsonPath := fs.String("json", "", "output summary JSON")
	lang := fs.String("lang", string(report.LangEnglish), langUsage())
	noQR := fs.Bool("no-qr", false, "omit the log hash QR code")
	fs.Parse(args)

	if *in == "" {
		exitf("required: --in")
	}
	if *pdfPath == "" && *jsonPath == "" {
		exitf("at least one of --pdf, --json is required")
	}
	language, err := report.ParseLanguage(*lang)
	if err != nil {
		exitf("%v", err)
	}
	sum, err := summarizeFile(*in)
	if err != nil {
		exitf("%v", err)
	}
	if *jsonPath != "" {
		if err := report.SaveSummaryJSON(sum, *jsonPath); err != nil {
			exitf("write summary: %v", err)
		}
		fmt.Println("Wrote summary:", *jsonPath)
	}
	if *pdfPath != "" {
		if err := report.SaveFlightPDF(sum, *pdfPath, report.PDFOptions{Lang: language, NoQR: *noQR}); err != nil {
			exitf("write pdf: %v", err)
		}
		fmt.Println("Wrote PDF:", *pdfPath)
	}
	fmt.Printf("PASS=%v, errors=%d, warnings=%d\n", sum.Pass(), sum.Counts.Errors, sum.Counts.Warnings)
}

func summarizeFile(path string) (report.Summary, error) {
	l, err := blackbox.ParseFile(path)
	if err != nil {
		return report.Summary{}, err
	}
	l.Derive(blackbox.DefaultDeriveOptions())
	return report.Summarize(l, filepath.Base(path)), nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func manifestCmd(args []string) {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	inputs := fs.String("inputs", "", "comma-separated paths")
	out := fs.String("out", "manifest.json", "output json")
	fs.Parse(args)

	if *inputs == "" {
		exitf("required: --inputs")
	}
	paths := splitList(*inputs)
	if len(paths) == 0 {
		exitf("no input paths specified")
	}
	m, err := manifest.Build(paths)
	if err != nil {
		exitf("manifest build: %v", err)
	}
	if err := manifest.Save(m, *out); err != nil {
		exitf("manifest save: %v", err)
	}
	fmt.Println("Wrote", *out)
}

func verifyCmd(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	path := fs.String("manifest", "", "manifest JSON file")
	base := fs.String("base", "", "directory relative paths resolve against (defaults to the current directory)")
	fs.Parse(args)

	if *path == "" {
		exitf("required: --manifest")
	}
	m, err := manifest.Load(*path)
	if err != nil {
		exitf("load manifest: %v", err)
	}
	bad, err := manifest.Verify(m, *base)
	if err != nil {
		exitf("verify: %v", err)
	}
	if len(bad) == 0 {
		fmt.Printf("OK: %d item(s) match\n", len(m.Items))
		return
	}
	for _, mm := range bad {
		fmt.Printf("MISMATCH %s: %s\n", mm.Path, mm.Reason)
	}
	os.Exit(1)
}

func isLogFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".kbb", ".bbl":
		return true
	}
	return false
}

func batchCmd(args []string) {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	in := fs.String("in", "", "directory of blackbox logs")
	outDir := fs.String("out-dir", "", "output directory")
	lang := fs.String("lang", string(report.LangEnglish), langUsage())
	fs.Parse(args)

	if *in == "" || *outDir == "" {
		exitf("required: --in, --out-dir")
	}
	language, err := report.ParseLanguage(*lang)
	if err != nil {
		exitf("%v", err)
	}
	n, failed, err := runBatch(*in, *outDir, language)
	if err != nil {
		exitf("batch: %v", err)
	}
	fmt.Printf("Processed %d log(s), %d failed\n", n, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// runBatch writes summary.json and report.pdf for every log under in into
// outDir/<name>/, then a manifest of everything written.
func runBatch(in, outDir string, lang report.Language) (processed, failed int, err error) {
	var logs []string
	err = filepath.WalkDir(in, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isLogFile(path) {
			logs = append(logs, path)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	sort.Strings(logs)

	var written []string
	for _, path := range logs {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		dir := filepath.Join(outDir, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return processed, failed, err
		}
		sum, err := summarizeFile(path)
		if err != nil {
			fmt.Printf("%s: %v\n", path, err)
			failed++
			continue
		}
		jsonPath := filepath.Join(dir, "summary.json")
		pdfPath := filepath.Join(dir, "report.pdf")
		if err := report.SaveSummaryJSON(sum, jsonPath); err != nil {
			return processed, failed, err
		}
		if err := report.SaveFlightPDF(sum, pdfPath, report.PDFOptions{Lang: lang}); err != nil {
			return processed, failed, err
		}
		fmt.Printf("%s: %d frames, pass=%v\n", path, sum.FrameCount, sum.Pass())
		written = append(written, path, jsonPath, pdfPath)
		processed++
	}
	if len(written) == 0 {
		return processed, failed, nil
	}
	m, err := manifest.Build(written)
	if err != nil {
		return processed, failed, err
	}
	return processed, failed, manifest.Save(m, filepath.Join(outDir, "manifest.json"))
}

func langUsage() string {
	var codes []string
	for _, l := range report.Languages() {
		codes = append(codes, string(l))
	}
	return "report language (" + strings.Join(codes, ", ") + ")"
}

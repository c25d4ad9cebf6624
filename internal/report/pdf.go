package report

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"example.com/kolibri/internal/blackbox"
	"example.com/kolibri/internal/common"
)

const qrImageName = "log-hash-qr"

// PDFOptions tunes SaveFlightPDF. The zero value renders English with a
// QR code of the log hash.
type PDFOptions struct {
	Lang   Language
	NoQR   bool
	QRSize int
}

type pdfWriter struct {
	pdf *gofpdf.Fpdf
	t   Translator
	// utf converts labels to the core fonts' code page.
	utf func(string) string
}

// SaveFlightPDF renders the summary into a PDF document at out.
func SaveFlightPDF(sum Summary, out string, opts PDFOptions) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Flight Log Report", false)
	pdf.SetAuthor("kbbctl", false)
	pdf.SetCreator("kbbctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	w := &pdfWriter{
		pdf: pdf,
		t:   NewTranslator(opts.Lang),
		utf: pdf.UnicodeTranslatorFromDescriptor(""),
	}
	w.title(w.t.T("title"))
	if !opts.NoQR && sum.SHA256 != "" {
		if err := w.hashQR(sum.SHA256, opts.QRSize); err != nil {
			return err
		}
	}
	w.metadataSection(sum)
	w.tuningSection(sum)
	w.channelsSection(sum)
	w.statsSection(sum.Stats)
	w.diagnosticsSection(sum)

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func (w *pdfWriter) title(title string) {
	w.pdf.SetFont("Helvetica", "B", 18)
	w.pdf.Cell(0, 10, w.utf(title))
	w.pdf.Ln(12)
}

func (w *pdfWriter) heading(key string) {
	w.pdf.SetFont("Helvetica", "B", 12)
	w.pdf.Cell(0, 8, w.utf(w.t.T(key)))
	w.pdf.Ln(9)
}

// hashQR places the QR code in the top right corner of the first page.
func (w *pdfWriter) hashQR(hash string, size int) error {
	png, err := LogHashToQR(hash, size)
	if err != nil {
		return err
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	w.pdf.RegisterImageOptionsReader(qrImageName, opts, bytes.NewReader(png))
	pageW, _ := w.pdf.GetPageSize()
	_, _, right, _ := w.pdf.GetMargins()
	const side = 30.0
	w.pdf.ImageOptions(qrImageName, pageW-right-side, 12, side, side, false, opts, 0, "")
	return nil
}

func (w *pdfWriter) metadataSection(sum Summary) {
	w.heading("section.metadata")
	start := "-"
	if !sum.Start.IsZero() && sum.Start.Unix() != 0 {
		start = sum.Start.Format(time.RFC3339)
	}
	items := []struct {
		key   string
		value string
	}{
		{"label.file", emptyFallback(sum.File, "-")},
		{"label.sha256", emptyFallback(sum.SHA256, "-")},
		{"label.size", common.FormatBytes(sum.Size)},
		{"label.version", sum.Version},
		{"label.start", start},
		{"label.duration", fmt.Sprintf("%.1f s", sum.DurationSeconds)},
		{"label.rate", fmt.Sprintf("%.0f Hz", sum.FramesPerSecond)},
		{"label.frames", strconv.Itoa(sum.FrameCount)},
		{"label.stride", fmt.Sprintf("%d B", sum.Stride)},
		{"label.poles", strconv.Itoa(sum.MotorPoles)},
		{"label.disarm", strconv.Itoa(int(sum.DisarmReason))},
		{"label.events", fmt.Sprintf("%d / %d", sum.FlightModes, sum.Highlights)},
		{"label.overall", w.passLabel(sum.Pass())},
	}
	for _, item := range items {
		w.pdf.SetFont("Helvetica", "", 10)
		w.pdf.CellFormat(45, 6, w.utf(w.t.T(item.key)), "", 0, "L", false, 0, "")
		w.pdf.CellFormat(0, 6, w.utf(item.value), "", 1, "L", false, 0, "")
	}
	w.pdf.Ln(4)
}

func (w *pdfWriter) tuningSection(sum Summary) {
	w.heading("section.tuning")
	headers := []string{w.t.T("col.axis"), w.t.T("col.center"), w.t.T("col.max"), w.t.T("col.expo"),
		"P", "I", "D", "FF", "S"}
	widths := []float64{24, 20, 20, 18, 19, 19, 19, 21, 20}
	w.tableHeader(headers, widths)
	w.pdf.SetFont("Helvetica", "", 9)
	for axis := 0; axis < 3; axis++ {
		r := sum.Rates[axis]
		values := []string{
			w.t.T(fmt.Sprintf("axis.%d", axis)),
			formatFloat(r.Center), formatFloat(r.Max), formatFloat(r.Expo),
		}
		for _, g := range sum.PIDGains[axis] {
			values = append(values, formatFloat(g))
		}
		w.tableRow(widths, values, 5)
	}
	w.pdf.Ln(4)
}

func (w *pdfWriter) channelsSection(sum Summary) {
	w.heading("section.channels")
	w.pdf.SetFont("Helvetica", "", 9)
	w.pdf.MultiCell(0, 5, strings.Join(sum.Channels, ", "), "", "L", false)
	if len(sum.Derived) > 0 {
		w.pdf.SetFont("Helvetica", "B", 9)
		w.pdf.MultiCell(0, 5, w.utf(w.t.T("label.derived")), "", "L", false)
		w.pdf.SetFont("Helvetica", "", 9)
		w.pdf.MultiCell(0, 5, strings.Join(sum.Derived, ", "), "", "L", false)
	}
	if sum.Inexact {
		w.pdf.SetFont("Helvetica", "I", 9)
		w.pdf.MultiCell(0, 5, w.utf(w.t.T("label.inexact")), "", "L", false)
	}
	w.pdf.Ln(4)
}

func (w *pdfWriter) statsSection(stats []ChannelStats) {
	w.heading("section.stats")
	widths := []float64{72, 36, 36, 36}
	w.tableHeader([]string{w.t.T("col.series"), w.t.T("col.min"), w.t.T("col.max"), w.t.T("col.mean")}, widths)
	w.pdf.SetFont("Helvetica", "", 9)
	for _, st := range stats {
		w.tableRow(widths, []string{st.Name, formatFloat(st.Min), formatFloat(st.Max), formatFloat(st.Mean)}, 5)
	}
	w.pdf.Ln(4)
}

func (w *pdfWriter) diagnosticsSection(sum Summary) {
	w.heading("section.diagnostics")
	w.pdf.SetFont("Helvetica", "", 10)
	if len(sum.Diagnostics) == 0 {
		w.pdf.MultiCell(0, 6, w.utf(w.t.T("diag.none")), "", "L", false)
		return
	}
	w.pdf.MultiCell(0, 6, w.utf(w.t.Format("diag.counts", sum.Counts.Errors, sum.Counts.Warnings, sum.Counts.Infos)), "", "L", false)
	w.pdf.Ln(2)
	for i, d := range sum.Diagnostics {
		w.pdf.SetFont("Helvetica", "B", 10)
		header := fmt.Sprintf("%d. %s %s", i+1, severityLabel(d.Severity), emptyFallback(d.Code, ""))
		w.pdf.MultiCell(0, 5, strings.TrimSpace(header), "", "L", false)
		if msg := strings.TrimSpace(d.Message); msg != "" {
			w.pdf.SetFont("Helvetica", "", 10)
			w.pdf.MultiCell(0, 5, w.utf(msg), "", "L", false)
		}
		w.pdf.SetFont("Helvetica", "", 9)
		w.pdf.MultiCell(0, 4, w.utf(w.t.Format("diag.where", d.Offset, d.Frame)), "", "L", false)
		w.pdf.Ln(2)
	}
}

func (w *pdfWriter) tableHeader(headers []string, widths []float64) {
	w.pdf.SetFillColor(240, 240, 240)
	w.pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		w.pdf.CellFormat(widths[i], 7, w.utf(h), "1", 0, "L", true, 0, "")
	}
	w.pdf.Ln(-1)
}

func (w *pdfWriter) tableRow(widths []float64, values []string, lineHeight float64) {
	xStart := w.pdf.GetX()
	yStart := w.pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(w.utf(val))
		if text == "" {
			text = "-"
		}
		lines := w.pdf.SplitText(text, widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	_, pageH := w.pdf.GetPageSize()
	_, _, _, bottom := w.pdf.GetMargins()
	if yStart+rowHeight > pageH-bottom {
		w.pdf.AddPage()
		xStart, yStart = w.pdf.GetX(), w.pdf.GetY()
	}
	x := xStart
	for i, lines := range splitCols {
		w.pdf.SetXY(x, yStart)
		w.pdf.MultiCell(widths[i], lineHeight, strings.Join(lines, "\n"), "1", "L", false)
		x += widths[i]
	}
	w.pdf.SetXY(xStart, yStart+rowHeight)
}

func (w *pdfWriter) passLabel(pass bool) string {
	if pass {
		return w.t.T("pass")
	}
	return w.t.T("fail")
}

func severityLabel(sev blackbox.Severity) string {
	if s := strings.TrimSpace(string(sev)); s != "" {
		return s
	}
	return "UNKNOWN"
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

package capabilities

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
)

// Extraction is the content the local extractor produces.
type Extraction struct {
	Kind   analysis.DocumentKind `json:"kind"`
	Text   string                `json:"text"`
	Pages  []Page                `json:"pages,omitempty"`
	Sheets []Sheet               `json:"sheets,omitempty"`
}

// Page is the text of one PDF page.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Sheet summarizes one spreadsheet tab.
type Sheet struct {
	Name    string   `json:"name"`
	Rows    int      `json:"rows"`
	Columns []Column `json:"columns"`
}

// Column holds per-column statistics. Numeric stats are set only when every
// non-empty cell parses as a number.
type Column struct {
	Name    string   `json:"name"`
	Count   int      `json:"count"`
	Numeric bool     `json:"numeric"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Mean    *float64 `json:"mean,omitempty"`
}

// LocalExtractor serves the extraction capability in process for PDF,
// spreadsheet and plain-text documents. BI exports are treated as text.
type LocalExtractor struct{}

// NewLocalExtractor creates the in-process extractor.
func NewLocalExtractor() *LocalExtractor {
	return &LocalExtractor{}
}

// Invoke extracts text from p.Document according to p.Kind.
func (e *LocalExtractor) Invoke(ctx context.Context, _ analysis.StageName, p Payload) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(p.Document) == 0 {
		return nil, lrerrors.NewStageError(lrerrors.ErrMalformedDocument, "document is empty", nil)
	}

	var (
		out *Extraction
		err error
	)
	switch p.Kind {
	case analysis.KindPDF:
		out, err = extractPDF(p.Document)
	case analysis.KindExcel:
		out, err = extractSpreadsheet(p.Document)
	case analysis.KindText, analysis.KindPowerBI, analysis.KindTableau, analysis.KindGoogleDataStudio:
		out, err = extractText(p.Document)
	default:
		return nil, lrerrors.NewStageError(lrerrors.ErrUnsupportedDocument, fmt.Sprintf("no extractor for kind %q", p.Kind), nil)
	}
	if err != nil {
		return nil, err
	}
	out.Kind = p.Kind
	return JSONResult(out, Confidence(1))
}

func extractPDF(data []byte) (*Extraction, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, lrerrors.NewStageError(lrerrors.ErrMalformedDocument, "open pdf", err)
	}

	out := &Extraction{}
	var all strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, lrerrors.NewStageError(lrerrors.ErrMalformedDocument, fmt.Sprintf("read pdf page %d", i), err)
		}
		text = normalize(text)
		out.Pages = append(out.Pages, Page{Number: i, Text: text})
		if all.Len() > 0 {
			all.WriteString("\n")
		}
		all.WriteString(text)
	}
	out.Text = all.String()
	return out, nil
}

func extractSpreadsheet(data []byte) (*Extraction, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, lrerrors.NewStageError(lrerrors.ErrMalformedDocument, "open spreadsheet", err)
	}
	defer f.Close()

	out := &Extraction{}
	var all strings.Builder
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, lrerrors.NewStageError(lrerrors.ErrMalformedDocument, fmt.Sprintf("read sheet %s", name), err)
		}
		out.Sheets = append(out.Sheets, summarizeSheet(name, rows))
		for _, row := range rows {
			all.WriteString(normalize(strings.Join(row, "\t")))
			all.WriteString("\n")
		}
	}
	out.Text = strings.TrimRight(all.String(), "\n")
	return out, nil
}

// summarizeSheet treats the first row as the header.
func summarizeSheet(name string, rows [][]string) Sheet {
	sheet := Sheet{Name: name}
	if len(rows) == 0 {
		return sheet
	}
	header, body := rows[0], rows[1:]
	sheet.Rows = len(body)

	for c, title := range header {
		col := Column{Name: strings.TrimSpace(title), Numeric: true}
		var sum float64
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, row := range body {
			if c >= len(row) || strings.TrimSpace(row[c]) == "" {
				continue
			}
			col.Count++
			v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(row[c]), ",", ""), 64)
			if err != nil {
				col.Numeric = false
				continue
			}
			sum += v
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if col.Count == 0 {
			col.Numeric = false
		}
		if col.Numeric {
			mean := sum / float64(col.Count)
			col.Min, col.Max, col.Mean = &lo, &hi, &mean
		}
		sheet.Columns = append(sheet.Columns, col)
	}
	return sheet
}

// extractText decodes UTF-8, falling back to Windows-1252 for legacy exports.
func extractText(data []byte) (*Extraction, error) {
	if !utf8.Valid(data) {
		decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(data), charmap.Windows1252.NewDecoder()))
		if err != nil {
			return nil, lrerrors.NewStageError(lrerrors.ErrMalformedDocument, "decode text", err)
		}
		data = decoded
	}
	text := normalize(strings.TrimPrefix(string(data), "\ufeff"))
	return &Extraction{Text: text, Pages: []Page{{Number: 1, Text: text}}}, nil
}

func normalize(s string) string {
	return strings.TrimSpace(norm.NFC.String(strings.ReplaceAll(s, "\r\n", "\n")))
}

var _ Adapter = (*LocalExtractor)(nil)

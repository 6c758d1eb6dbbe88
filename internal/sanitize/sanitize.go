// Package sanitize strips identifying metadata from PDF reports before
// they leave the platform.
package sanitize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/safeharbour/harbour/internal/audit"
	"github.com/safeharbour/harbour/internal/config"
	"github.com/safeharbour/harbour/internal/redact"
	"github.com/safeharbour/harbour/internal/telemetry"
)

// NotAvailable is reported for original values the document did not carry.
const NotAvailable = "N/A"

var (
	// ErrEncrypted is returned for password protected documents.
	ErrEncrypted = errors.New("encrypted PDFs are not supported")
	// ErrNotFound is returned when the input file does not exist.
	ErrNotFound = errors.New("file not found")
)

// Info fields that are dropped from every document, in report order.
var strippedInfoKeys = []string{"Author", "Creator", "Producer", "CreationDate", "ModDate", "Subject", "Keywords"}

// Report describes one sanitized document.
type Report struct {
	Status          string   `json:"status"`
	Input           string   `json:"input,omitempty"`
	Output          string   `json:"output,omitempty"`
	StrippedFields  []string `json:"stripped_fields"`
	OriginalAuthor  string   `json:"original_author"`
	OriginalCreator string   `json:"original_creator"`
}

// Options wires the sanitizer into audit and metrics.
type Options struct {
	Emitter   *audit.Emitter
	Telemetry *telemetry.Provider
}

// Sanitizer rewrites PDF documents with a fixed metadata block.
type Sanitizer struct {
	cfg     config.SanitizerConfig
	emitter *audit.Emitter
	tel     *telemetry.Provider
}

var disableConfigDir sync.Once

// New returns a sanitizer stamping the strings from cfg.
func New(cfg config.SanitizerConfig, opts Options) *Sanitizer {
	// pdfcpu would otherwise create a config directory under the user's home.
	disableConfigDir.Do(api.DisableConfigDir)
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &Sanitizer{cfg: cfg, emitter: opts.Emitter, tel: tel}
}

// SanitizeFile sanitizes the PDF at in and writes the result to out. An
// empty out overwrites in through a temporary file in the same directory.
func (s *Sanitizer) SanitizeFile(ctx context.Context, in, out string) (*Report, error) {
	start := time.Now()
	if out == "" {
		out = in
	}
	report, err := s.sanitizeFile(in, out)
	s.record(ctx, start, report, err)
	if err != nil {
		return nil, err
	}
	report.Input = in
	report.Output = out
	return report, nil
}

func (s *Sanitizer) sanitizeFile(in, out string) (*Report, error) {
	f, err := os.Open(in)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, err
	}
	defer f.Close()

	tmp, err := os.CreateTemp(filepath.Dir(out), ".harbour-sanitize-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	report, err := s.sanitize(f, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close temp file: %w", cerr)
	}
	if err != nil {
		return nil, err
	}
	f.Close()
	if err := os.Rename(tmpName, out); err != nil {
		return nil, fmt.Errorf("replace output: %w", err)
	}
	return report, nil
}

// Message renders a sanitize failure for input as reported to users.
func Message(input string, err error) string {
	if errors.Is(err, ErrNotFound) {
		return "Error: File not found: " + input
	}
	return "Error sanitizing PDF: " + err.Error()
}

// Sanitize reads a PDF from rs and writes the sanitized document to w.
func (s *Sanitizer) Sanitize(ctx context.Context, rs io.ReadSeeker, w io.Writer) (*Report, error) {
	start := time.Now()
	report, err := s.sanitize(rs, w)
	s.record(ctx, start, report, err)
	return report, err
}

func (s *Sanitizer) sanitize(rs io.ReadSeeker, w io.Writer) (*Report, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	conf.WriteObjectStream = false
	conf.WriteXRefStream = false

	pdf, err := api.ReadContext(rs, conf)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	if pdf.XRefTable.Encrypt != nil {
		return nil, ErrEncrypted
	}
	if err := api.ValidateContext(pdf); err != nil {
		return nil, fmt.Errorf("validate pdf: %w", err)
	}

	report := &Report{
		Status:          "success",
		StrippedFields:  []string{},
		OriginalAuthor:  NotAvailable,
		OriginalCreator: NotAvailable,
	}
	if err := s.stripInfo(pdf, report); err != nil {
		return nil, err
	}
	if s.cfg.StripXMPEnabled() {
		if err := stripXMP(pdf, report); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := api.WriteContext(pdf, &buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	out, err := appendInfoRevision(buf.Bytes(), s.infoEntries())
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(out); err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}
	return report, nil
}

func (s *Sanitizer) infoEntries() []infoEntry {
	return []infoEntry{
		{key: "Title", value: s.cfg.Title},
		{key: "Producer", value: s.cfg.Producer},
		{key: "Creator", value: s.cfg.Creator},
	}
}

// stripInfo reduces the document information dictionary to the fixed
// entries and records what it removed.
func (s *Sanitizer) stripInfo(pdf *model.Context, report *Report) error {
	if pdf.XRefTable.Info == nil {
		return nil
	}
	d, err := pdf.DereferenceDict(*pdf.XRefTable.Info)
	if err != nil {
		return fmt.Errorf("read info dict: %w", err)
	}
	if d == nil {
		return nil
	}

	if v, ok := infoString(pdf, d, "Author"); ok {
		report.OriginalAuthor = v
	}
	if v, ok := infoString(pdf, d, "Creator"); ok {
		report.OriginalCreator = v
	}

	known := make(map[string]bool, len(strippedInfoKeys)+1)
	for _, key := range strippedInfoKeys {
		known[key] = true
		if d.Delete(key) != nil {
			report.StrippedFields = append(report.StrippedFields, "/"+key)
		}
	}
	known["Title"] = true

	var extra []string
	for key := range d {
		if !known[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		d.Delete(key)
		report.StrippedFields = append(report.StrippedFields, "/"+key)
	}

	for _, e := range s.infoEntries() {
		d.Update(e.key, types.StringLiteral(escapeString(e.value)))
	}
	return nil
}

func infoString(pdf *model.Context, d types.Dict, key string) (string, bool) {
	obj, found := d.Find(key)
	if !found || obj == nil {
		return "", false
	}
	obj, err := pdf.Dereference(obj)
	if err != nil || obj == nil {
		return "", false
	}
	switch v := obj.(type) {
	case types.StringLiteral:
		s, err := types.StringLiteralToString(v)
		if err != nil {
			return "", false
		}
		return s, true
	case types.HexLiteral:
		s, err := types.HexLiteralToString(v)
		if err != nil {
			return "", false
		}
		return s, true
	default:
		return "", false
	}
}

func stripXMP(pdf *model.Context, report *Report) error {
	root, err := pdf.Catalog()
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	if root.Delete("Metadata") != nil {
		report.StrippedFields = append(report.StrippedFields, "/XMP")
	}
	return nil
}

func (s *Sanitizer) record(ctx context.Context, start time.Time, report *Report, err error) {
	latency := time.Since(start)
	outcome := audit.OutcomeOK
	if err != nil {
		outcome = audit.OutcomeError
	}
	ev := audit.NewEvent(ctx, audit.KindSanitize, outcome, latency).WithError(err)
	if report != nil {
		ev.Sanitize = &audit.SanitizeSummary{StrippedFields: report.StrippedFields}
		for _, f := range report.StrippedFields {
			if f == "/XMP" {
				ev.Sanitize.XMPRemoved = true
			}
		}
	}
	s.emitter.Emit(ctx, ev)
	s.tel.RecordSanitize(ctx, string(outcome), ev.Source, float64(latency)/float64(time.Millisecond))
	if err != nil {
		redact.Warnf("sanitize failed: request_id=%s err=%v", ev.RequestID, err)
	}
}

// Package render provides centralized output rendering for the kiln CLI.
//
// Format selection rules:
//   - If output is a TTY, default to table
//   - If output is not a TTY, default to json
//   - --format flag always overrides defaults
//   - Invalid formats are errors
//
// Color handling:
//   - --no-color affects table output only
//   - The live TUI is unaffected by --no-color (uses its own styling)
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/kilnworks/kiln/cache"
	"github.com/kilnworks/kiln/cli/tui"
	"github.com/kilnworks/kiln/types"
)

// Format represents an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string, returning an error for invalid formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "table":
		return FormatTable, nil
	case "yaml":
		return FormatYAML, nil
	case "":
		return "", nil // Let caller decide default
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Renderer handles output formatting.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
}

// NewRenderer creates a renderer from CLI context, applying the format
// selection rules above.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	formatStr := c.String("format")
	format, err := ParseFormat(formatStr)
	if err != nil {
		return nil, err
	}

	// Apply default format based on TTY detection
	if format == "" {
		if isTTY(os.Stdout) {
			format = FormatTable
		} else {
			format = FormatJSON
		}
	}

	return &Renderer{
		format:  format,
		noColor: c.Bool("no-color"),
		out:     os.Stdout,
	}, nil
}

// NewRendererWithWriter creates a renderer with a custom writer (for testing).
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{
		format:  format,
		noColor: noColor,
		out:     out,
	}
}

// Render outputs the data in the configured format. Table rendering is
// typed: json and yaml accept anything, table accepts the report types
// defined in this package.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		return r.renderJSON(data)
	case FormatTable:
		return r.renderTable(data)
	case FormatYAML:
		return r.renderYAML(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

func (r *Renderer) renderJSON(data any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (r *Renderer) renderYAML(data any) error {
	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	return enc.Encode(data)
}

func (r *Renderer) renderTable(data any) error {
	switch v := data.(type) {
	case *FetchReport:
		return r.fetchTable(v)
	case []CacheRow:
		return r.cacheTable(v)
	case []VerifyRow:
		return r.verifyTable(v)
	case *VersionInfo:
		return r.versionTable(v)
	default:
		return fmt.Errorf("no table rendering for %T", data)
	}
}

// FetchReport is the renderable summary of one fetch job.
type FetchReport struct {
	JobID    string    `json:"job_id" yaml:"job_id"`
	Fetched  int       `json:"fetched" yaml:"fetched"`
	Cached   int       `json:"cached" yaml:"cached"`
	Failed   int       `json:"failed" yaml:"failed"`
	Duration string    `json:"duration" yaml:"duration"`
	Items    []ItemRow `json:"items" yaml:"items"`
}

// ItemRow is one item outcome in a FetchReport.
type ItemRow struct {
	Checksum string `json:"checksum" yaml:"checksum"`
	Status   string `json:"status" yaml:"status"`
	Detail   string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// NewFetchReport flattens a fetch result into rows sorted by checksum key,
// so output is stable across runs regardless of completion order.
func NewFetchReport(jobID string, result *types.FetchResult, elapsed time.Duration) *FetchReport {
	rep := &FetchReport{
		JobID:    jobID,
		Duration: elapsed.Round(time.Millisecond).String(),
	}
	rep.Fetched, rep.Cached, rep.Failed = result.Counts()

	keys := make([]string, 0, len(result.Items))
	for key := range result.Items {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rep.Items = make([]ItemRow, 0, len(keys))
	for _, key := range keys {
		out := result.Items[key]
		row := ItemRow{Checksum: key, Status: string(out.Status)}
		if out.Error != nil {
			row.Detail = out.Error.Error()
		} else {
			row.Detail = out.Path
		}
		rep.Items = append(rep.Items, row)
	}
	return rep
}

// CacheRow is one published cache entry in display form.
type CacheRow struct {
	Checksum string `json:"checksum" yaml:"checksum"`
	Size     int64  `json:"size" yaml:"size"`
	Path     string `json:"path" yaml:"path"`
}

// NewCacheRows converts store entries for rendering. Store.List already
// returns them sorted by key.
func NewCacheRows(entries []cache.Entry) []CacheRow {
	rows := make([]CacheRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, CacheRow{
			Checksum: e.Key.String(),
			Size:     e.Size,
			Path:     e.Path,
		})
	}
	return rows
}

// VerifyRow is one cache verification result.
type VerifyRow struct {
	Checksum string `json:"checksum" yaml:"checksum"`
	OK       bool   `json:"ok" yaml:"ok"`
	Detail   string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// VersionInfo reports the binary build identity.
type VersionInfo struct {
	Version string `json:"version" yaml:"version"`
	Commit  string `json:"commit" yaml:"commit"`
}

func (r *Renderer) fetchTable(rep *FetchReport) error {
	if len(rep.Items) == 0 {
		fmt.Fprintln(r.out, "(no items)")
		return nil
	}

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECKSUM\tSTATUS\tDETAIL")
	for _, row := range rep.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\n", row.Checksum, row.Status, row.Detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	summary := fmt.Sprintf("%d fetched, %d cached, %d failed in %s",
		rep.Fetched, rep.Cached, rep.Failed, rep.Duration)
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, r.summaryLine(summary, rep.Failed == 0))
	return nil
}

func (r *Renderer) cacheTable(rows []CacheRow) error {
	if len(rows) == 0 {
		fmt.Fprintln(r.out, "(empty cache)")
		return nil
	}

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECKSUM\tSIZE\tPATH")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\n", row.Checksum, humanSize(row.Size), row.Path)
	}
	return w.Flush()
}

func (r *Renderer) verifyTable(rows []VerifyRow) error {
	if len(rows) == 0 {
		fmt.Fprintln(r.out, "(empty cache)")
		return nil
	}

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECKSUM\tOK\tDETAIL")
	corrupt := 0
	for _, row := range rows {
		ok := "yes"
		if !row.OK {
			ok = "no"
			corrupt++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", row.Checksum, ok, row.Detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(r.out)
	if corrupt == 0 {
		fmt.Fprintln(r.out, r.summaryLine(fmt.Sprintf("all %d entries verified", len(rows)), true))
	} else {
		fmt.Fprintln(r.out, r.summaryLine(fmt.Sprintf("%d of %d entries corrupt", corrupt, len(rows)), false))
	}
	return nil
}

func (r *Renderer) versionTable(v *VersionInfo) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "version:\t%s\n", v.Version)
	fmt.Fprintf(w, "commit:\t%s\n", v.Commit)
	return w.Flush()
}

// summaryLine styles whole lines only. Cell text stays plain because
// tabwriter counts ANSI escapes as column width.
func (r *Renderer) summaryLine(s string, ok bool) string {
	if r.noColor {
		return s
	}
	if ok {
		return tui.SuccessStyle.Render(s)
	}
	return tui.ErrorStyle.Render(s)
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// isTTY returns true if the writer is a TTY.
func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

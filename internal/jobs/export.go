package jobs

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RecordSource supplies the rows of an export.
type RecordSource func(ctx context.Context, job ExportJob) ([]map[string]any, error)

// FileExporter writes exports as files under Dir.
type FileExporter struct {
	Dir    string
	Source RecordSource
	Now    func() time.Time
}

// requestRecord is used when no source is configured: the export contains
// the request itself.
func requestRecord(_ context.Context, job ExportJob) ([]map[string]any, error) {
	rec := map[string]any{
		"type":        string(job.Type),
		"requestedBy": job.RequestedBy,
	}
	if job.UserID != "" {
		rec["userId"] = job.UserID
	}
	for k, v := range job.Filters {
		rec["filter."+k] = v
	}
	return []map[string]any{rec}, nil
}

func (e FileExporter) Export(ctx context.Context, job ExportJob) (ExportResult, error) {
	src := e.Source
	if src == nil {
		src = requestRecord
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	rows, err := src(ctx, job)
	if err != nil {
		return ExportResult{}, fmt.Errorf("load records: %w", err)
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return ExportResult{}, fmt.Errorf("export dir: %w", err)
	}

	at := now().UTC()
	format := job.FormatOrDefault()
	subject := job.UserID
	if subject == "" {
		subject = "report"
	}
	name := fmt.Sprintf("%s-%s-%d.%s", strings.ToLower(string(job.Type)), sanitize(subject), at.UnixMilli(), format)
	path := filepath.Join(e.Dir, name)

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ExportResult{}, err
	}
	switch format {
	case FormatCSV:
		err = writeCSV(f, rows)
	default:
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		err = enc.Encode(rows)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return ExportResult{}, fmt.Errorf("write export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return ExportResult{}, err
	}
	return ExportResult{Path: path, Format: format, Records: len(rows), ExportedAt: at}, nil
}

func writeCSV(f *os.File, rows []map[string]any) error {
	seen := map[string]struct{}{}
	var header []string
	for _, r := range rows {
		for k := range r {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				header = append(header, k)
			}
		}
	}
	sort.Strings(header)
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	line := make([]string, len(header))
	for _, r := range rows {
		for i, k := range header {
			v, ok := r[k]
			if !ok || v == nil {
				line[i] = ""
				continue
			}
			line[i] = fmt.Sprint(v)
		}
		if err := w.Write(line); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

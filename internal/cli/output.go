// Package cli formats index results for the clipdex command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/hyperjump/clipdex/internal/indexer"
	"github.com/hyperjump/clipdex/internal/models"
	"github.com/hyperjump/clipdex/internal/review"
	"github.com/hyperjump/clipdex/pkg/utils"
)

// OutputFormat selects how results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact is one line per result.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

const pathWidth = 60

// ParseOutputFormat maps a flag value to an OutputFormat.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	case "":
		return OutputText, nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes a search response to w in the given format.
func WriteSearchResults(w io.Writer, resp *models.SearchResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, resp)
	case OutputCompact:
		for _, r := range resp.Results {
			fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\t%s\n",
				r.Rank, r.SimilarityScore, r.SegmentID, r.TimeRange, r.FilePath)
		}
		return nil
	}

	fmt.Fprintf(w, "\nFound %d of %d results in %dms (%d candidates, %d duplicates collapsed)\n",
		len(resp.Results), resp.TopK, resp.QueryTime, resp.Candidates, resp.DuplicatesCollapsed)
	if resp.UnderFilled {
		fmt.Fprintln(w, "Fewer matches than requested survived filtering.")
	}
	fmt.Fprintln(w)
	for _, r := range resp.Results {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Similarity: %.4f | Quality: %.2f\n", r.Rank, r.SimilarityScore, r.QualityScore)
		fmt.Fprintf(w, "Segment: %s (group %d)\n", r.SegmentID, r.GroupID)
		fmt.Fprintf(w, "File: %s [%s]\n", utils.TruncateLeft(r.FilePath, pathWidth), r.TimeRange)
		if len(r.Tags) > 0 {
			fmt.Fprintf(w, "Tags: %s\n", strings.Join(r.Tags, ", "))
		}
		fmt.Fprintln(w)
	}
	return nil
}

// WriteRunReport writes an ingestion run summary. Text output lists only files that
// were not skipped.
func WriteRunReport(w io.Writer, report *indexer.RunReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, report)
	}
	for _, f := range report.Files {
		if f.Outcome == indexer.OutcomeSkipped && format != OutputCompact {
			continue
		}
		line := fmt.Sprintf("%-8s %3d  %s", f.Outcome, f.Segments, utils.TruncateLeft(f.Path, pathWidth))
		if f.Error != "" {
			line += "  (" + utils.Truncate(f.Error, 120) + ")"
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "run %s: %d indexed, %d skipped, %d partial, %d failed in %s\n",
		report.RunID, report.Indexed, report.Skipped, report.Partial, report.Failed, report.Duration.Round(time.Millisecond))
	return nil
}

// WriteReconcileReport writes the result of a reconciliation pass.
func WriteReconcileReport(w io.Writer, report *indexer.ReconcileReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, report)
	}
	fmt.Fprintf(w, "segments checked: %d\n", report.Segments)
	fmt.Fprintf(w, "segments repaired: %d\n", report.Repaired)
	fmt.Fprintf(w, "orphans pruned: %d\n", report.Pruned)
	for _, e := range report.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	if report.Files != nil && len(report.Files.Files) > 0 {
		fmt.Fprintln(w)
		return WriteRunReport(w, report.Files, format)
	}
	return nil
}

// WriteStatus writes index counts and, when present, the effective configuration.
func WriteStatus(w io.Writer, st *models.IndexStatus, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	fmt.Fprintf(w, "segments:          %d\n", st.Segments)
	fmt.Fprintf(w, "groups:            %d   # %d with duplicates\n", st.Groups, st.DuplicateGroups)
	fmt.Fprintf(w, "vector_entries:    %d   # %d spilled to disk\n", st.VectorEntries, st.SpilledVectors)
	fmt.Fprintf(w, "tag_documents:     %d\n", st.TagDocuments)
	for _, s := range []models.FileStatus{models.FileComplete, models.FilePartial, models.FileFailed} {
		fmt.Fprintf(w, "files_%-12s %d\n", string(s)+":", st.Files[s])
	}
	if st.DiskUsageBytes > 0 {
		fmt.Fprintf(w, "disk_usage_bytes:  %d\n", st.DiskUsageBytes)
	}
	if len(st.Config) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# configuration")
		keys := make([]string, 0, len(st.Config))
		for k := range st.Config {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%-18s %v\n", k+":", st.Config[k])
		}
	}
	return nil
}

// WriteDuplicates writes duplicate groups, canonical member first.
func WriteDuplicates(w io.Writer, groups []*models.DuplicateGroup, format OutputFormat) error {
	switch format {
	case OutputJSON:
		if groups == nil {
			groups = []*models.DuplicateGroup{}
		}
		return writeJSON(w, map[string]any{"groups": groups, "count": len(groups)})
	case OutputCompact:
		for _, g := range groups {
			fmt.Fprintf(w, "%d\t%s\t%s\n", g.ID, g.Canonical, strings.Join(g.Members, ","))
		}
		return nil
	}
	if len(groups) == 0 {
		fmt.Fprintln(w, "No duplicate groups.")
		return nil
	}
	for _, g := range groups {
		fmt.Fprintf(w, "group %d  fingerprint %s  %d members\n", g.ID, g.Fingerprint, len(g.Members))
		fmt.Fprintf(w, "  * %s\n", g.Canonical)
		for _, m := range g.Members {
			if m != g.Canonical {
				fmt.Fprintf(w, "    %s\n", m)
			}
		}
	}
	return nil
}

// WriteSessions writes review sessions, one per line in text and compact formats.
func WriteSessions(w io.Writer, sessions []*review.Session, format OutputFormat) error {
	if format == OutputJSON {
		if sessions == nil {
			sessions = []*review.Session{}
		}
		return writeJSON(w, sessions)
	}
	if len(sessions) == 0 && format == OutputText {
		fmt.Fprintln(w, "No review sessions.")
		return nil
	}
	for _, s := range sessions {
		deadline := "-"
		if s.Deadline != nil {
			deadline = s.Deadline.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s  %-16s  %2d segments  due %s  %s\n", s.ID, s.Stage, len(s.SegmentIDs), deadline, s.Title)
	}
	return nil
}

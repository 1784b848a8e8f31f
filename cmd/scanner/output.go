package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"fileshield/internal/engine"
	"fileshield/internal/metrics"
	"fileshield/internal/models"
	"fileshield/internal/signatures"
)

var (
	colorRed    = color.New(color.FgRed, color.Bold)
	colorYellow = color.New(color.FgYellow)
	colorGreen  = color.New(color.FgGreen, color.Bold)
	colorCyan   = color.New(color.FgCyan)
	colorGray   = color.New(color.FgHiBlack)
)

// result pairs a scan with the path it was read from
type result struct {
	Path string          `json:"path"`
	Scan models.FileScan `json:"scan"`
}

// collectFiles reads every regular file under the given roots, in walk order.
// Each file is named by its base name; paths holds where it was read from.
// Unreadable and oversized files are logged and skipped.
func collectFiles(roots []string, maxSize int64) (paths []string, files []engine.File, err error) {
	for _, root := range roots {
		if _, err := os.Stat(root); err != nil {
			return nil, nil, err
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Error accessing path")
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return nil
			}
			if maxSize > 0 && info.Size() > maxSize {
				log.Warn().Str("path", path).Int64("size", info.Size()).Msg("Skipping oversized file")
				return nil
			}

			content, err := os.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Failed to read file")
				return nil
			}

			paths = append(paths, path)
			files = append(files, engine.File{Name: filepath.Base(path), Content: content})
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}

	return paths, files, nil
}

func bandColor(band string) *color.Color {
	switch band {
	case "dangerous":
		return colorRed
	case "suspicious":
		return colorYellow
	default:
		return colorGreen
	}
}

// writeText prints one line per file plus its risk factors, then a summary
func writeText(w io.Writer, results []result) {
	counts := make(map[string]int)

	for _, r := range results {
		v := r.Scan.Verdict
		band := metrics.Band(v.ThreatScore)
		counts[band]++

		label := bandColor(band).Sprintf("%-10s", strings.ToUpper(band))
		fmt.Fprintf(w, "%s %.2f  %s %s\n", label, v.ThreatScore, r.Path, colorGray.Sprintf("(%s)", v.FileCategory))
		for _, f := range v.RiskFactors {
			fmt.Fprintf(w, "           - %s\n", f.Description)
		}
	}

	fmt.Fprintf(w, "\n%d files: %s safe, %s suspicious, %s dangerous\n",
		len(results),
		colorGreen.Sprint(counts["safe"]),
		colorYellow.Sprint(counts["suspicious"]),
		colorRed.Sprint(counts["dangerous"]))
}

func writeJSON(w io.Writer, results []result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func writeSignatures(w io.Writer, set *signatures.Set) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION\tPATTERN")
	for _, p := range set.Patterns() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", colorCyan.Sprint(p.ID), p.Name, p.Description, p.Expr)
	}
	tw.Flush()
}

func maxScore(results []result) float64 {
	var top float64
	for _, r := range results {
		top = max(top, r.Scan.Verdict.ThreatScore)
	}
	return top
}

// Package output serializes evaluation results: one JSON file per run, a
// combined JSON across runs, and a flat CSV for spreadsheet use.
package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/bmac3/jacobian-saes/internal/evals"
)

// RunConfig is the run metadata serialized under eval_cfg.
type RunConfig struct {
	ContextSize                  int    `json:"context_size"`
	Dataset                      string `json:"dataset"`
	BatchSizePrompts             int    `json:"batch_size_prompts"`
	NEvalReconstructionBatches   int    `json:"n_eval_reconstruction_batches"`
	NEvalSparsityVarianceBatches int    `json:"n_eval_sparsity_variance_batches"`
}

// Report is one evaluated run ready for serialization.
type Report struct {
	UniqueID string
	SaeSet   string
	SaeID    string
	Cfg      RunConfig
	Results  *evals.Results
}

// Filename returns the per-run JSON filename. Path separators in ids and
// dataset names become underscores.
func (r *Report) Filename() string {
	name := fmt.Sprintf("%s_%d_%s.json", r.UniqueID, r.Cfg.ContextSize, r.Cfg.Dataset)
	return strings.ReplaceAll(name, "/", "_")
}

// MarshalJSON writes the report with metric keys in computation order.
// Non-finite values serialize as -1.
func (r *Report) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeString(&buf, "unique_id", r.UniqueID)
	buf.WriteByte(',')
	writeString(&buf, "sae_set", r.SaeSet)
	buf.WriteByte(',')
	writeString(&buf, "sae_id", r.SaeID)
	buf.WriteByte(',')

	cfg, err := json.Marshal(r.Cfg)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`"eval_cfg":`)
	buf.Write(cfg)
	buf.WriteByte(',')

	buf.WriteString(`"metrics":{`)
	for i, m := range r.Results.Metrics {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeKey(&buf, m.Name)
		if m.IsHist {
			writeFloats(&buf, m.Hist)
		} else {
			buf.WriteString(formatFloat(m.Scalar))
		}
	}
	buf.WriteByte('}')

	buf.WriteString(`,"feature_metrics":{`)
	for i, f := range r.Results.Features {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeKey(&buf, f.Name)
		writeFloats(&buf, f.Values)
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

// WriteReports writes every per-run JSON, the combined JSON, and the CSV
// into dir, creating it if needed. Returns the combined JSON path.
func WriteReports(dir string, reports []*Report) (string, error) {
	if len(reports) == 0 {
		return "", fmt.Errorf("output: no reports to write")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("output: create dir: %w", err)
	}

	for _, r := range reports {
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return "", fmt.Errorf("output: marshal %s: %w", r.UniqueID, err)
		}
		path := filepath.Join(dir, r.Filename())
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("output: write %s: %w", path, err)
		}
	}

	combined, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return "", fmt.Errorf("output: marshal combined: %w", err)
	}
	combinedPath := filepath.Join(dir, "all_eval_results.json")
	if err := os.WriteFile(combinedPath, combined, 0o644); err != nil {
		return "", fmt.Errorf("output: write %s: %w", combinedPath, err)
	}

	if err := writeCSV(filepath.Join(dir, "all_eval_results.csv"), reports); err != nil {
		return "", err
	}

	log.Info().Str("dir", dir).Int("reports", len(reports)).Msg("wrote evaluation results")
	return combinedPath, nil
}

// writeCSV flattens every report to one row. Columns come from the first
// report; later reports must expose the same metrics.
func writeCSV(path string, reports []*Report) error {
	header := []string{"unique_id", "sae_set", "sae_id", "eval_cfg.context_size", "eval_cfg.dataset"}
	for _, m := range reports[0].Results.Metrics {
		header = append(header, "metrics."+m.Name)
	}
	for _, fv := range reports[0].Results.Features {
		header = append(header, "feature_metrics."+fv.Name)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create csv: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("output: write csv header: %w", err)
	}

	for _, r := range reports {
		row := []string{
			r.UniqueID, r.SaeSet, r.SaeID,
			strconv.Itoa(r.Cfg.ContextSize), r.Cfg.Dataset,
		}
		if len(r.Results.Metrics) != len(reports[0].Results.Metrics) ||
			len(r.Results.Features) != len(reports[0].Results.Features) {
			return fmt.Errorf("output: report %s has a different metric shape than the first report", r.UniqueID)
		}
		for _, m := range r.Results.Metrics {
			if m.IsHist {
				row = append(row, floatsJSON(m.Hist))
			} else {
				row = append(row, formatFloat(m.Scalar))
			}
		}
		for _, fv := range r.Results.Features {
			row = append(row, floatsJSON(fv.Values))
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("output: write csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func writeString(buf *bytes.Buffer, key, val string) {
	writeKey(buf, key)
	data, _ := json.Marshal(val)
	buf.Write(data)
}

func writeKey(buf *bytes.Buffer, key string) {
	data, _ := json.Marshal(key)
	buf.Write(data)
	buf.WriteByte(':')
}

func writeFloats(buf *bytes.Buffer, vals []float32) {
	buf.WriteByte('[')
	for i, v := range vals {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(formatFloat(float64(v)))
	}
	buf.WriteByte(']')
}

func floatsJSON(vals []float32) string {
	var buf bytes.Buffer
	writeFloats(&buf, vals)
	return buf.String()
}

// formatFloat renders a JSON number, mapping non-finite values to -1.
func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-1"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

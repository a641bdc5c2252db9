package output

import (
	"encoding/csv"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bmac3/jacobian-saes/internal/evals"
)

func testReport(id string) *Report {
	return &Report{
		UniqueID: id,
		SaeSet:   "release",
		SaeID:    "blocks.0.mlp_in",
		Cfg: RunConfig{
			ContextSize:                  8,
			Dataset:                      "owt/tiny",
			BatchSizePrompts:             2,
			NEvalReconstructionBatches:   2,
			NEvalSparsityVarianceBatches: 1,
		},
		Results: &evals.Results{
			Metrics: []evals.Metric{
				{Name: "sparsity/l0", Scalar: 4},
				{Name: "sparsity/l1", Scalar: math.NaN()},
				{Name: "jacobian_sparsity/jac_hist", IsHist: true, Hist: []float32{-0.5, 0.25}},
			},
			Features: []evals.FeatureVector{
				{Name: "feature_density", Values: []float32{0.5, float32(math.NaN())}},
			},
		},
	}
}

func TestFilenameSanitized(t *testing.T) {
	r := testReport("release/sae")
	require.Equal(t, "release_sae_8_owt_tiny.json", r.Filename())
}

func TestMarshalReplacesNaN(t *testing.T) {
	data, err := json.Marshal(testReport("r1"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	metrics := decoded["metrics"].(map[string]any)
	require.Equal(t, float64(4), metrics["sparsity/l0"])
	require.Equal(t, float64(-1), metrics["sparsity/l1"])
	require.Equal(t, []any{-0.5, 0.25}, metrics["jacobian_sparsity/jac_hist"])

	features := decoded["feature_metrics"].(map[string]any)
	require.Equal(t, []any{0.5, float64(-1)}, features["feature_density"])

	cfg := decoded["eval_cfg"].(map[string]any)
	require.Equal(t, float64(8), cfg["context_size"])
	require.Equal(t, "owt/tiny", cfg["dataset"])
}

func TestMarshalReplacesInf(t *testing.T) {
	r := testReport("r1")
	r.Results.Metrics[0].Scalar = math.Inf(1)
	r.Results.Metrics[1].Scalar = math.Inf(-1)

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	metrics := decoded["metrics"].(map[string]any)
	require.Equal(t, float64(-1), metrics["sparsity/l0"])
	require.Equal(t, float64(-1), metrics["sparsity/l1"])
}

func TestFormatFloatNonFinite(t *testing.T) {
	require.Equal(t, "-1", formatFloat(math.NaN()))
	require.Equal(t, "-1", formatFloat(math.Inf(1)))
	require.Equal(t, "-1", formatFloat(math.Inf(-1)))
	require.Equal(t, "2.5", formatFloat(2.5))
}

func TestMetricKeyOrderPreserved(t *testing.T) {
	data, err := json.Marshal(testReport("r1"))
	require.NoError(t, err)

	s := string(data)
	require.Less(t, indexOf(t, s, "sparsity/l0"), indexOf(t, s, "sparsity/l1"))
	require.Less(t, indexOf(t, s, "sparsity/l1"), indexOf(t, s, "jac_hist"))
}

func indexOf(t *testing.T, s, sub string) int {
	t.Helper()
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	t.Fatalf("%q not found", sub)
	return -1
}

func TestWriteReports(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	reports := []*Report{testReport("r1"), testReport("r2")}

	combined, err := WriteReports(dir, reports)
	require.NoError(t, err)
	require.FileExists(t, combined)
	require.FileExists(t, filepath.Join(dir, "r1_8_owt_tiny.json"))
	require.FileExists(t, filepath.Join(dir, "r2_8_owt_tiny.json"))

	data, err := os.ReadFile(combined)
	require.NoError(t, err)
	var all []map[string]any
	require.NoError(t, json.Unmarshal(data, &all))
	require.Len(t, all, 2)
	require.Equal(t, "r1", all[0]["unique_id"])

	f, err := os.Open(filepath.Join(dir, "all_eval_results.csv"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "unique_id", rows[0][0])
	require.Contains(t, rows[0], "metrics.sparsity/l0")
	require.Contains(t, rows[0], "feature_metrics.feature_density")
	require.Equal(t, "r1", rows[1][0])
	require.Equal(t, "r2", rows[2][0])

	// NaN scalar shows up as -1 in the CSV too
	col := -1
	for i, name := range rows[0] {
		if name == "metrics.sparsity/l1" {
			col = i
		}
	}
	require.NotEqual(t, -1, col)
	require.Equal(t, "-1", rows[1][col])
}

func TestWriteReportsEmpty(t *testing.T) {
	_, err := WriteReports(t.TempDir(), nil)
	require.Error(t, err)
}

func TestWriteReportsShapeMismatch(t *testing.T) {
	r2 := testReport("r2")
	r2.Results.Metrics = r2.Results.Metrics[:1]
	_, err := WriteReports(t.TempDir(), []*Report{testReport("r1"), r2})
	require.Error(t, err)
}

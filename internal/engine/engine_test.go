package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"school-gradients/internal/config"
	"school-gradients/internal/dataset"
	"school-gradients/internal/models"
)

const schoolsJSON = `[
  {"schulnummer": "100001", "name": "GGS Nord", "schultyp": "Grundschule", "sozialindex": 2, "latitude": 51.0, "longitude": 7.0},
  {"schulnummer": "100002", "name": "KGS Nord", "schultyp": "Grundschule", "sozialindex": 7, "latitude": 51.01349, "longitude": 7.0},
  {"schulnummer": "100003", "name": "GGS Fern", "schultyp": "Grundschule", "sozialindex": 9, "latitude": 52.0, "longitude": 7.0},
  {"schulnummer": "100004", "name": "GGS Ohne", "schultyp": "Grundschule", "sozialindex": "", "latitude": 51.0, "longitude": 7.0},
  {"schulnummer": "200001", "name": "Gymnasium Mitte", "schultyp": "Gymnasium", "sozialindex": 1, "latitude": 51.0, "longitude": 7.0},
  {"schulnummer": "200002", "name": "Realschule Mitte", "schultyp": "Realschule", "sozialindex": 8, "latitude": 51.0, "longitude": 7.0}
]`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "schools.json")
	require.NoError(t, os.WriteFile(input, []byte(schoolsJSON), 0o644))

	return &config.Config{
		Input: config.InputConfig{
			Path: input,
			Columns: dataset.Columns{
				ID: "schulnummer", Name: "name", Category: "schultyp", Index: "sozialindex",
				Lat: "latitude", Lon: "longitude", Address: "adresse",
			},
		},
		Analysis: config.AnalysisConfig{
			MinDifference:   3,
			MaxDistanceKm:   5,
			ZeroFloorKm:     0.05,
			IndexMin:        1,
			IndexMax:        9,
			IncludeMetadata: true,
			Workers:         1,
			Mode:            config.ModeBucketed,
			TopK:            50,
			BucketsKm:       []float64{1, 2, 3, 4, 5},
		},
		Groups: config.DefaultGroups(),
		Output: config.OutputConfig{Dir: filepath.Join(dir, "out"), Formats: []string{"json", "geojson"}},
	}
}

func partition(t *testing.T, r *models.Report, name string) models.Partition {
	t.Helper()
	for _, p := range r.Partitions {
		if p.Name == name {
			return p
		}
	}
	require.Failf(t, "partition not found", "%s", name)
	return models.Partition{}
}

func TestExecute_Bucketed(t *testing.T) {
	cfg := testConfig(t)

	res, err := Execute(context.Background(), cfg, nil)
	require.NoError(t, err)
	r := res.Report

	assert.Equal(t, 6, r.Records)
	require.Len(t, r.Groups, 2)
	require.Len(t, r.Partitions, 10)

	primary := r.Groups[0]
	assert.Equal(t, "grundschulen", primary.Name)
	assert.Equal(t, 3, primary.Entities)
	assert.Equal(t, 1, primary.Excluded)
	assert.Equal(t, 2, primary.Skipped)
	assert.Equal(t, int64(3), primary.PairsVisited)
	assert.Equal(t, int64(1), primary.PairsWithinCutoff)
	assert.Equal(t, 1, primary.Matches)

	// the 1.5 km pair lands only in (1,2]
	for _, p := range r.Partitions[:5] {
		if p.Name == "grundschulen-1-2km" {
			require.Len(t, p.Matches, 1)
			m := p.Matches[0]
			assert.Equal(t, "100001", m.A.ID)
			assert.Equal(t, "100002", m.B.ID)
			assert.Equal(t, 5, m.Difference)
			assert.Equal(t, 1.5, m.DistanceKm)
			assert.Equal(t, 3.33, m.Gradient)
			continue
		}
		assert.Empty(t, p.Matches, p.Name)
	}

	// co-located secondary schools use the zero floor
	secondary := partition(t, r, "weiterfuehrende-0-1km")
	require.Len(t, secondary.Matches, 1)
	assert.Equal(t, 0.05, secondary.Matches[0].DistanceKm)
	assert.Equal(t, 140.0, secondary.Matches[0].Gradient)

	require.Len(t, r.Excluded, 1)
	assert.Equal(t, "100004", r.Excluded[0].ID)

	assert.Contains(t, res.Files, "summary.json")
	assert.Contains(t, res.Files, "grundschulen-1-2km.geojson")
	_, err = os.Stat(filepath.Join(cfg.Output.Dir, "weiterfuehrende-4-5km.json"))
	assert.NoError(t, err)
}

func TestExecute_TopK(t *testing.T) {
	cfg := testConfig(t)
	cfg.Analysis.Mode = config.ModeTopK
	cfg.Analysis.TopK = 1
	cfg.Analysis.MaxDistanceKm = 0

	res, err := Execute(context.Background(), cfg, nil)
	require.NoError(t, err)

	require.Len(t, res.Report.Partitions, 2)
	top := partition(t, res.Report, "grundschulen-top-1")
	assert.Equal(t, "grundschulen", top.Group)
	require.Len(t, top.Matches, 1)
	// unbounded cutoff lets the far school in; the near pair is steepest
	assert.Equal(t, 2, res.Report.Groups[0].Matches)
	assert.Equal(t, "100002", top.Matches[0].B.ID)
}

func TestExecute_Idempotent(t *testing.T) {
	cfg := testConfig(t)
	first := filepath.Join(t.TempDir(), "first")
	second := filepath.Join(t.TempDir(), "second")

	cfg.Output.Dir = first
	res, err := Execute(context.Background(), cfg, nil)
	require.NoError(t, err)

	cfg.Output.Dir = second
	cfg.Analysis.Workers = 4
	_, err = Execute(context.Background(), cfg, nil)
	require.NoError(t, err)

	for _, name := range res.Files {
		a, err := os.ReadFile(filepath.Join(first, name))
		require.NoError(t, err)
		b, err := os.ReadFile(filepath.Join(second, name))
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b), name)
	}
}

func TestExecute_Progress(t *testing.T) {
	cfg := testConfig(t)
	cfg.Analysis.ProgressEvery = 1

	var mu sync.Mutex
	last := map[string]int64{}
	_, err := Execute(context.Background(), cfg, func(group string, done, total int64) {
		mu.Lock()
		defer mu.Unlock()
		last[group] = done
		assert.LessOrEqual(t, done, total)
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"grundschulen": 3, "weiterfuehrende": 1}, last)
}

func TestExecute_CancelledWritesNothing(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Execute(ctx, cfg, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	_, statErr := os.Stat(cfg.Output.Dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecute_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Analysis.ZeroFloorKm = 0

	_, err := Execute(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestExecute_MissingInput(t *testing.T) {
	cfg := testConfig(t)
	cfg.Input.Path = filepath.Join(t.TempDir(), "missing.json")

	_, err := Execute(context.Background(), cfg, nil)
	assert.Error(t, err)
}

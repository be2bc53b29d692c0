package ml

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"retailforecast/artifact"
	"retailforecast/config"
)

const linearModelJSON = `{
	"type": "linear",
	"name": "artifact-name",
	"version": "1.4.2",
	"features": ["lag_1", "rolling_mean_7"],
	"trained_date": "2024-03-01T00:00:00Z",
	"dense": {"kernel": [[0.5], [0.5]], "bias": [0]}
}`

func writeArtifact(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func localFetcher(t *testing.T) *artifact.Fetcher {
	return artifact.NewFetcherWithClient(nil, t.TempDir(), zap.NewNop())
}

func TestLoadModelUsesArtifactMetadata(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ModelPath = writeArtifact(t, dir, "lstm_model.json", linearModelJSON)

	m := LoadModel(context.Background(), cfg, localFetcher(t), zap.NewNop())
	require.False(t, IsFallback(m))

	meta := m.Metadata()
	assert.Equal(t, "artifact-name", meta.Name)
	assert.Equal(t, "1.4.2", meta.Version)
	assert.Equal(t, []string{"lag_1", "rolling_mean_7"}, meta.Features)
	require.NotNil(t, meta.TrainedDate)
	assert.True(t, meta.TrainedDate.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestLoadModelConfigOverridesMetadata(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ModelPath = writeArtifact(t, dir, "lstm_model.json", linearModelJSON)
	cfg.ModelName = "retail-lstm"
	cfg.ModelVersion = "2.0.0"
	cfg.ModelFeatures = []string{"sales_lag_1", "sales_mean_7"}
	cfg.TrainedDate = "2024-06-30"

	meta := LoadModel(context.Background(), cfg, localFetcher(t), zap.NewNop()).Metadata()
	assert.Equal(t, "retail-lstm", meta.Name)
	assert.Equal(t, "2.0.0", meta.Version)
	assert.Equal(t, []string{"sales_lag_1", "sales_mean_7"}, meta.Features)
	require.NotNil(t, meta.TrainedDate)
	assert.Equal(t, "2024-06-30", meta.TrainedDate.Format("2006-01-02"))
}

func TestLoadModelDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ModelPath = writeArtifact(t, dir, "m.json", `{"type": "linear", "dense": {"kernel": [[1], [1]], "bias": [0]}}`)

	before := time.Now()
	meta := LoadModel(context.Background(), cfg, localFetcher(t), zap.NewNop()).Metadata()
	assert.Equal(t, "lstm_model", meta.Name)
	assert.Equal(t, "0.1.0", meta.Version)
	assert.Equal(t, DefaultFeatures(), meta.Features)
	require.NotNil(t, meta.TrainedDate)
	assert.False(t, meta.TrainedDate.Before(before))
}

func TestLoadModelFallsBack(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"missing file":   filepath.Join(dir, "absent.json"),
		"corrupt file":   writeArtifact(t, dir, "corrupt.json", "not a model"),
		"feature clash":  writeArtifact(t, dir, "wide.json", `{"type": "linear", "dense": {"kernel": [[1], [1], [1]], "bias": [0]}}`),
		"missing bucket": "s3://",
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			cfg := config.Default()
			cfg.ModelPath = path

			m := LoadModel(context.Background(), cfg, localFetcher(t), zap.New(core))
			assert.True(t, IsFallback(m))
			assert.Equal(t, "dummy", m.Metadata().Name)
			assert.Equal(t, 1, logs.FilterMessage("model load failed; using fallback model").Len())
		})
	}
}

func TestLoadModelRejectsWideInput(t *testing.T) {
	dir := t.TempDir()
	core, logs := observer.New(zap.WarnLevel)
	cfg := config.Default()
	cfg.ModelPath = writeArtifact(t, dir, "wide.json", `{"type": "linear", "dense": {"kernel": [[1], [1], [1]], "bias": [0]}}`)
	cfg.ModelFeatures = []string{"lag_1", "rolling_mean_7", "lag_7"}

	m := LoadModel(context.Background(), cfg, localFetcher(t), zap.New(core))
	assert.True(t, IsFallback(m))
	entries := logs.FilterMessage("model load failed; using fallback model").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], "model expects 3 inputs")
}

func TestLoadModelUnparsableTrainedDate(t *testing.T) {
	dir := t.TempDir()
	core, logs := observer.New(zap.WarnLevel)
	cfg := config.Default()
	cfg.ModelPath = writeArtifact(t, dir, "model.json", linearModelJSON)
	cfg.TrainedDate = "last tuesday"

	m := LoadModel(context.Background(), cfg, localFetcher(t), zap.New(core))
	require.False(t, IsFallback(m))

	entries := logs.FilterMessage("ignoring unparsable trained_date").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "config", entries[0].ContextMap()["source"])
	assert.Equal(t, "last tuesday", entries[0].ContextMap()["trained_date"])

	// the artifact's own date is used next
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NotNil(t, m.Metadata().TrainedDate)
	assert.True(t, want.Equal(*m.Metadata().TrainedDate))
}

func TestScalerPaths(t *testing.T) {
	cfg := config.Default()
	cfg.ModelPath = "s3://forecast/models/lstm_model.json"
	x, y := ScalerPaths(cfg)
	assert.Equal(t, "s3://forecast/models/lstm_model_scaler_X.json", x)
	assert.Equal(t, "s3://forecast/models/lstm_model_scaler_y.json", y)

	cfg.ScalerYPath = "/srv/scalers/y.json"
	x, y = ScalerPaths(cfg)
	assert.Equal(t, "s3://forecast/models/lstm_model_scaler_X.json", x)
	assert.Equal(t, "/srv/scalers/y.json", y)
}

func TestLoadScalers(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ModelPath = filepath.Join(dir, "lstm_model.json")
	writeArtifact(t, dir, "lstm_model_scaler_X.json", `{"data_min": [0, 0], "data_max": [100, 100]}`)
	writeArtifact(t, dir, "lstm_model_scaler_y.json", `{"data_min": [0], "data_max": [200]}`)

	pair := LoadScalers(context.Background(), cfg, localFetcher(t), zap.NewNop())
	require.False(t, pair.Fallback)

	scaled, err := pair.X.Transform([][]float64{{50, 25}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.25}, scaled[0], 1e-12)

	out, err := pair.Y.InverseTransform([][]float64{{0.5}})
	require.NoError(t, err)
	assert.InDelta(t, 100, out[0][0], 1e-9)
}

func TestLoadScalersEitherFailureForcesIdentity(t *testing.T) {
	goodX := `{"data_min": [0, 0], "data_max": [100, 100]}`
	goodY := `{"data_min": [0], "data_max": [200]}`
	cases := []struct {
		name string
		x, y string
	}{
		{"x missing", "", goodY},
		{"y missing", goodX, ""},
		{"x corrupt", "garbage", goodY},
		{"y too wide", goodX, `{"data_min": [0, 0], "data_max": [1, 1]}`},
		{"x too narrow", `{"data_min": [0], "data_max": [1]}`, goodY},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			cfg := config.Default()
			cfg.ModelPath = filepath.Join(dir, "lstm_model.json")
			if tc.x != "" {
				writeArtifact(t, dir, "lstm_model_scaler_X.json", tc.x)
			}
			if tc.y != "" {
				writeArtifact(t, dir, "lstm_model_scaler_y.json", tc.y)
			}

			pair := LoadScalers(context.Background(), cfg, localFetcher(t), zap.NewNop())
			assert.True(t, pair.Fallback)
			assert.IsType(t, IdentityScaler{}, pair.X)
			assert.IsType(t, IdentityScaler{}, pair.Y)

			raw := [][]float64{{12.5, 7.25}}
			scaled, err := pair.X.Transform(raw)
			require.NoError(t, err)
			back, err := pair.Y.InverseTransform(scaled)
			require.NoError(t, err)
			assert.Equal(t, raw, back)
		})
	}
}

type countingFetcher struct {
	calls []string
	err   error
}

func (f *countingFetcher) Fetch(ctx context.Context, uri, localName string) (string, error) {
	f.calls = append(f.calls, localName)
	return "", f.err
}

func TestLoadersAreIndependent(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ModelPath = filepath.Join(dir, "absent.json")
	cfg.ScalerXPath = writeArtifact(t, dir, "x.json", `{"data_min": [0, 0], "data_max": [10, 10]}`)
	cfg.ScalerYPath = writeArtifact(t, dir, "y.json", `{"data_min": [0], "data_max": [10]}`)

	fetcher := localFetcher(t)
	m := LoadModel(context.Background(), cfg, fetcher, zap.NewNop())
	pair := LoadScalers(context.Background(), cfg, fetcher, zap.NewNop())
	assert.True(t, IsFallback(m))
	assert.False(t, pair.Fallback)

	failing := &countingFetcher{err: fmt.Errorf("%w: store unreachable", artifact.ErrArtifactUnavailable)}
	pair = LoadScalers(context.Background(), cfg, failing, zap.NewNop())
	assert.True(t, pair.Fallback)
	assert.Equal(t, []string{"scaler_X.json"}, failing.calls)
}

package ml

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"retailforecast/config"
)

const (
	defaultModelName    = "lstm_model"
	defaultModelVersion = "0.1.0"
)

var trainedDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// LoadModel fetches and decodes the model named by cfg.ModelPath. Any failure
// is logged and answered with a FallbackModel, so the result is never nil.
func LoadModel(ctx context.Context, cfg *config.Config, fetcher Fetcher, logger *zap.Logger) Model {
	model, err := loadModel(ctx, cfg, fetcher, logger, time.Now())
	if err != nil {
		logger.Warn("model load failed; using fallback model",
			zap.String("model_path", cfg.ModelPath), zap.Error(err))
		return FallbackModel{}
	}
	meta := model.Metadata()
	logger.Info("loaded model",
		zap.String("name", meta.Name),
		zap.String("version", meta.Version),
		zap.Strings("features", meta.Features))
	return model
}

func loadModel(ctx context.Context, cfg *config.Config, fetcher Fetcher, logger *zap.Logger, loadedAt time.Time) (*LoadedModel, error) {
	path, err := fetcher.Fetch(ctx, cfg.ModelPath, "model.json")
	if err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}
	file, net, err := decodeModel(payload)
	if err != nil {
		return nil, err
	}
	if want := len(DefaultFeatures()); net.inputDim() != want {
		return nil, fmt.Errorf("%w: model expects %d inputs, the pipeline supplies %d",
			ErrShapeMismatch, net.inputDim(), want)
	}

	meta := Metadata{
		Name:     firstNonEmpty(cfg.ModelName, file.Name, defaultModelName),
		Version:  firstNonEmpty(cfg.ModelVersion, file.Version, defaultModelVersion),
		Features: cfg.ModelFeatures,
	}
	if len(meta.Features) == 0 {
		meta.Features = file.Features
	}
	if len(meta.Features) == 0 {
		meta.Features = DefaultFeatures()
	}
	if len(meta.Features) != net.inputDim() {
		return nil, fmt.Errorf("%w: %d features configured for a model with %d inputs",
			ErrShapeMismatch, len(meta.Features), net.inputDim())
	}
	meta.Features = append([]string(nil), meta.Features...)

	trained := loadedAt
	sources := []struct{ name, raw string }{
		{"config", cfg.TrainedDate},
		{"artifact", file.TrainedDate},
	}
	for _, src := range sources {
		if src.raw == "" {
			continue
		}
		if t, ok := parseTrainedDate(src.raw); ok {
			trained = t
			break
		}
		logger.Warn("ignoring unparsable trained_date",
			zap.String("source", src.name), zap.String("trained_date", src.raw))
	}
	meta.TrainedDate = &trained

	return &LoadedModel{net: net, meta: meta}, nil
}

func parseTrainedDate(raw string) (time.Time, bool) {
	for _, layout := range trainedDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

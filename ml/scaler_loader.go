package ml

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"

	"retailforecast/config"
)

// ScalerPaths returns the input and target scaler URIs. Unless overridden in
// cfg they sit next to the model artifact: models/lstm_model.json implies
// models/lstm_model_scaler_X.json and models/lstm_model_scaler_y.json.
func ScalerPaths(cfg *config.Config) (string, string) {
	base := strings.TrimSuffix(cfg.ModelPath, path.Ext(cfg.ModelPath))
	xPath := firstNonEmpty(cfg.ScalerXPath, base+"_scaler_X.json")
	yPath := firstNonEmpty(cfg.ScalerYPath, base+"_scaler_y.json")
	return xPath, yPath
}

// LoadScalers fetches and decodes both scalers. If either one fails, both are
// replaced by identity transforms. The pair is never half fitted.
func LoadScalers(ctx context.Context, cfg *config.Config, fetcher Fetcher, logger *zap.Logger) ScalerPair {
	xPath, yPath := ScalerPaths(cfg)
	pair, err := loadScalers(ctx, fetcher, xPath, yPath)
	if err != nil {
		logger.Warn("scaler load failed; using identity scalers",
			zap.String("scaler_X_path", xPath),
			zap.String("scaler_y_path", yPath),
			zap.Error(err))
		return IdentityPair()
	}
	logger.Info("loaded min-max scalers",
		zap.String("scaler_X_path", xPath), zap.String("scaler_y_path", yPath))
	return pair
}

func loadScalers(ctx context.Context, fetcher Fetcher, xPath, yPath string) (ScalerPair, error) {
	x, err := loadScaler(ctx, fetcher, xPath, "scaler_X.json")
	if err != nil {
		return ScalerPair{}, fmt.Errorf("input scaler: %w", err)
	}
	if x.Features() != len(DefaultFeatures()) {
		return ScalerPair{}, fmt.Errorf("%w: input scaler fitted on %d columns, want %d",
			ErrShapeMismatch, x.Features(), len(DefaultFeatures()))
	}
	y, err := loadScaler(ctx, fetcher, yPath, "scaler_y.json")
	if err != nil {
		return ScalerPair{}, fmt.Errorf("target scaler: %w", err)
	}
	if y.Features() != 1 {
		return ScalerPair{}, fmt.Errorf("%w: target scaler fitted on %d columns, want 1", ErrShapeMismatch, y.Features())
	}
	return ScalerPair{X: x, Y: y}, nil
}

func loadScaler(ctx context.Context, fetcher Fetcher, uri, localName string) (*MinMaxScaler, error) {
	local, err := fetcher.Fetch(ctx, uri, localName)
	if err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(local)
	if err != nil {
		return nil, fmt.Errorf("read scaler %s: %w", local, err)
	}
	return decodeScaler(payload)
}

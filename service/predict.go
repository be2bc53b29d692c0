package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// PredictRequest carries the two engineered features of the day to forecast.
// Pointers distinguish an omitted field from an explicit zero.
type PredictRequest struct {
	Lag1         *float64 `json:"lag_1" validate:"required,gte=0"`
	RollingMean7 *float64 `json:"rolling_mean_7" validate:"required,gte=0"`
}

// PredictionResponse is the answer to one prediction. ProcessingTime is the
// model call duration in seconds; a cached answer repeats the duration of the
// call that produced it.
type PredictionResponse struct {
	Prediction     float64 `json:"prediction"`
	RequestID      string  `json:"request_id"`
	Timestamp      string  `json:"timestamp"`
	ProcessingTime float64 `json:"processing_time"`
}

// PredictionRecord is what sinks receive for each answered prediction.
type PredictionRecord struct {
	RequestID      string    `json:"request_id"`
	Lag1           float64   `json:"lag_1"`
	RollingMean7   float64   `json:"rolling_mean_7"`
	Prediction     float64   `json:"prediction"`
	ProcessingTime float64   `json:"processing_time"`
	ModelName      string    `json:"model_name"`
	ModelVersion   string    `json:"model_version"`
	Cached         bool      `json:"cached"`
	Timestamp      time.Time `json:"timestamp"`
}

// Predict validates req, scales it, runs the model and inverse-scales the
// output. Validation failures wrap ErrInvalidInput and happen before any
// scaler or model call; every later failure wraps ErrInferenceFailure.
func (s *InferenceService) Predict(req PredictRequest, requestID string) (*PredictionResponse, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	lag1, rollingMean7 := *req.Lag1, *req.RollingMean7

	key := cacheKey{lag1: lag1, rollingMean7: rollingMean7}
	var (
		prediction float64
		elapsed    time.Duration
		cached     bool
	)
	if s.cache != nil {
		var hit cachedPrediction
		hit, cached = s.cache.Get(key)
		prediction, elapsed = hit.value, hit.elapsed
		if s.instruments != nil {
			s.instruments.ObserveCache(cached)
		}
	}
	if !cached {
		var err error
		prediction, elapsed, err = s.infer(lag1, rollingMean7)
		if s.instruments != nil {
			s.instruments.ObserveInference(elapsed, err)
		}
		if err != nil {
			s.logger.Error("prediction error",
				zap.String("request_id", requestID),
				zap.Float64("lag_1", lag1),
				zap.Float64("rolling_mean_7", rollingMean7),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrInferenceFailure, err)
		}
		if s.cache != nil {
			s.cache.Add(key, cachedPrediction{value: prediction, elapsed: elapsed})
		}
	}

	now := s.now()
	resp := &PredictionResponse{
		Prediction:     prediction,
		RequestID:      requestID,
		Timestamp:      formatTime(now),
		ProcessingTime: elapsed.Seconds(),
	}

	meta := s.model.Metadata()
	rec := PredictionRecord{
		RequestID:      requestID,
		Lag1:           lag1,
		RollingMean7:   rollingMean7,
		Prediction:     prediction,
		ProcessingTime: resp.ProcessingTime,
		ModelName:      meta.Name,
		ModelVersion:   meta.Version,
		Cached:         cached,
		Timestamp:      now,
	}
	for _, sink := range s.sinks {
		sink.Record(rec)
	}
	return resp, nil
}

// infer runs the numeric chain and reports the time spent in the model call.
// A panic inside a scaler or the model is turned into an error.
func (s *InferenceService) infer(lag1, rollingMean7 float64) (prediction float64, elapsed time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during inference: %v", r)
		}
	}()

	raw := [][]float64{{lag1, rollingMean7}}
	scaled, err := s.scalers.X.Transform(raw)
	if err != nil {
		return 0, 0, fmt.Errorf("scale input: %w", err)
	}
	// batch=1, sequence=1, features=2
	batch := [][][]float64{{scaled[0]}}

	start := time.Now()
	out, err := s.model.Predict(batch)
	elapsed = time.Since(start)
	if err != nil {
		return 0, elapsed, fmt.Errorf("model predict: %w", err)
	}
	if len(out) != 1 || len(out[0]) != 1 {
		return 0, elapsed, fmt.Errorf("model returned %d rows, want a single scalar", len(out))
	}

	unscaled, err := s.scalers.Y.InverseTransform(out)
	if err != nil {
		return 0, elapsed, fmt.Errorf("inverse scale output: %w", err)
	}
	prediction = unscaled[0][0]
	if !isFinite(prediction) {
		return 0, elapsed, fmt.Errorf("non-finite prediction %v", prediction)
	}
	return prediction, elapsed, nil
}

func (s *InferenceService) validateRequest(req PredictRequest) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+": field required")
		case "gte":
			msgs = append(msgs, fe.Field()+": must be non-negative")
		default:
			msgs = append(msgs, fe.Field()+": failed "+fe.Tag())
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(msgs, "; "))
}

// Package service holds the loaded model and scalers for the lifetime of the
// process and runs the prediction pipeline against them.
package service

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"retailforecast/ml"
)

var (
	// ErrInvalidInput marks a request rejected before any numeric work.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInferenceFailure marks an error inside the scale, infer, inverse-scale chain.
	ErrInferenceFailure = errors.New("inference failure")
)

// PredictionSink receives every successful prediction. Record must not block.
type PredictionSink interface {
	Record(rec PredictionRecord)
}

// Instruments observes pipeline internals for metrics.
type Instruments interface {
	ObserveInference(d time.Duration, err error)
	ObserveCache(hit bool)
}

// Options configures optional collaborators of InferenceService.
type Options struct {
	// CacheSize bounds the prediction cache; zero disables it.
	CacheSize   int
	Sinks       []PredictionSink
	Instruments Instruments
	Logger      *zap.Logger
	Now         func() time.Time
}

// Degradation reports which components run on their fallback variant.
type Degradation struct {
	Model   bool `json:"model"`
	Scalers bool `json:"scalers"`
}

// InferenceService owns the model and scaler pair for the process lifetime.
// Both are fixed at construction; only the request counter and the cache change.
type InferenceService struct {
	model    ml.Model
	scalers  ml.ScalerPair
	start    time.Time
	requests atomic.Uint64

	cache       *lru.Cache[cacheKey, cachedPrediction]
	sinks       []PredictionSink
	instruments Instruments
	logger      *zap.Logger
	now         func() time.Time
	validate    *validator.Validate
}

type cacheKey struct {
	lag1         float64
	rollingMean7 float64
}

type cachedPrediction struct {
	value   float64
	elapsed time.Duration
}

// New builds a ready service. A nil model or scaler is replaced by its
// fallback variant so the service never holds an absent component.
func New(model ml.Model, scalers ml.ScalerPair, opts Options) (*InferenceService, error) {
	if model == nil {
		model = ml.FallbackModel{}
	}
	if scalers.X == nil || scalers.Y == nil {
		scalers = ml.IdentityPair()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &InferenceService{
		model:       model,
		scalers:     scalers,
		start:       opts.Now(),
		sinks:       opts.Sinks,
		instruments: opts.Instruments,
		logger:      opts.Logger,
		now:         opts.Now,
		validate:    newValidator(),
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[cacheKey, cachedPrediction](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create prediction cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// NextRequest increments the request counter and returns the new value.
func (s *InferenceService) NextRequest() uint64 {
	return s.requests.Add(1)
}

// RequestCount is the number of requests seen so far.
func (s *InferenceService) RequestCount() uint64 {
	return s.requests.Load()
}

// StartTime is when the service was constructed.
func (s *InferenceService) StartTime() time.Time {
	return s.start
}

// Degraded reports which components are running on fallbacks.
func (s *InferenceService) Degraded() Degradation {
	return Degradation{
		Model:   ml.IsFallback(s.model),
		Scalers: s.scalers.Fallback,
	}
}

// HealthStatus is the /health body.
type HealthStatus struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// MetricsSnapshot is the /metrics body.
type MetricsSnapshot struct {
	UptimeSeconds     int64   `json:"uptime_seconds"`
	RequestCount      uint64  `json:"request_count"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Timestamp         string  `json:"timestamp"`
}

// Health always reports "ok" with whole-second uptime.
func (s *InferenceService) Health() HealthStatus {
	now := s.now()
	return HealthStatus{
		Status:        "ok",
		Timestamp:     formatTime(now),
		UptimeSeconds: s.uptime(now),
	}
}

// Metrics reports request totals. The rate is zero until a full second has passed.
func (s *InferenceService) Metrics() MetricsSnapshot {
	now := s.now()
	uptime := s.uptime(now)
	count := s.requests.Load()
	rps := 0.0
	if uptime > 0 {
		rps = float64(count) / float64(uptime)
	}
	return MetricsSnapshot{
		UptimeSeconds:     uptime,
		RequestCount:      count,
		RequestsPerSecond: rps,
		Timestamp:         formatTime(now),
	}
}

// ModelMetadata describes the active model.
func (s *InferenceService) ModelMetadata() ml.Metadata {
	return s.model.Metadata()
}

// uptime is in whole seconds and never negative.
func (s *InferenceService) uptime(now time.Time) int64 {
	d := now.Sub(s.start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

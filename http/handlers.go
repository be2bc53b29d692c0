package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"retailforecast/service"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	svc    *service.InferenceService
	logger *zap.Logger
}

// RegisterHandlers mounts the forecast API on mux.
func RegisterHandlers(mux *http.ServeMux, svc *service.InferenceService, logger *zap.Logger) {
	h := &handlers{svc: svc, logger: logger}
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /metrics", h.handleMetrics)
	mux.HandleFunc("GET /model", h.handleModel)
	mux.HandleFunc("POST /predict", h.handlePredict)
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Health())
}

func (h *handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Metrics())
}

func (h *handlers) handleModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ModelMetadata())
}

func (h *handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	var req service.PredictRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.logger.Info("rejected prediction request", zap.String("request_id", requestID), zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body: "+err.Error())
		return
	}

	resp, err := h.svc.Predict(req, requestID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, service.ErrInvalidInput):
		h.logger.Info("rejected prediction request", zap.String("request_id", requestID), zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		// details are logged by the service
		writeError(w, http.StatusInternalServerError, service.ErrInferenceFailure.Error())
	}
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

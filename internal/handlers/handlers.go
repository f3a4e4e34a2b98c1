package handlers

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/Brownie44l1/medvision-api/internal/database"
	"github.com/Brownie44l1/medvision-api/internal/diagnosis"
	"github.com/Brownie44l1/medvision-api/internal/metrics"
	"github.com/Brownie44l1/medvision-api/internal/model"
	"github.com/Brownie44l1/medvision-api/internal/mqtt"
	"github.com/Brownie44l1/medvision-api/internal/preprocess"
	"github.com/Brownie44l1/medvision-api/internal/sysstats"
	"github.com/Brownie44l1/medvision-api/internal/upload"

	"github.com/gin-gonic/gin"
	"github.com/nfnt/resize"
	log "github.com/sirupsen/logrus"
)

const serviceName = "MedVision AI - Pneumonia Detection Service"

const (
	msgNoFile       = "No file uploaded"
	msgNoSelection  = "No file selected"
	msgInvalidType  = "Invalid file type. Only PNG, JPG, JPEG files are allowed."
	msgTooLarge     = "File too large"
	msgFailed       = "Prediction failed"
	msgNoHistory    = "Analysis history is disabled"
	msgInvalidID    = "Invalid analysis id"
	msgNotFound     = "Analysis not found"
	msgHistoryError = "Failed to load analyses"
)

// Options configures a Handler.
type Options struct {
	UploadDir      string
	MaxUploadBytes int64
	Version        string
	Interpolation  resize.InterpolationFunction
}

type Handler struct {
	modelServer *model.Server
	store       *database.Store
	metrics     *metrics.Metrics
	publisher   *mqtt.Publisher

	input     preprocess.Options
	uploadDir string
	maxUpload int64
	version   string
	started   time.Time
}

// NewHandler wires the request handlers. store, m and publisher may be nil.
func NewHandler(modelServer *model.Server, store *database.Store, m *metrics.Metrics, publisher *mqtt.Publisher, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	return &Handler{
		modelServer: modelServer,
		store:       store,
		metrics:     m,
		publisher:   publisher,
		input: preprocess.Options{
			Size:          modelServer.Metadata.ImageSize,
			Layout:        modelServer.Metadata.Layout,
			Interpolation: opts.Interpolation,
		},
		uploadDir: opts.UploadDir,
		maxUpload: opts.MaxUploadBytes,
		version:   opts.Version,
		started:   time.Now(),
	}
}

// RegisterRoutes binds the service endpoints on r.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/", h.Index)
	r.GET("/health", h.Health)
	r.POST("/predict", h.Predict)
	r.GET("/status", h.Status)
	r.GET("/analyses", h.ListAnalyses)
	r.GET("/analyses/:id", h.GetAnalysis)
}

func (h *Handler) Index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": serviceName,
		"version": h.version,
		"endpoints": gin.H{
			"predict":  "/predict (POST)",
			"health":   "/health (GET)",
			"status":   "/status (GET)",
			"analyses": "/analyses (GET)",
			"metrics":  "/metrics (GET)",
		},
	})
}

// Health reports model_loaded true for any constructed server, including one
// running on random head weights.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"model_loaded": h.modelServer.Ready(),
		"degraded":     h.modelServer.Degraded(),
		"version":      h.version,
	})
}

func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"version":         h.version,
		"model":           h.modelServer.Info(),
		"system":          sysstats.Collect(h.started),
		"history_enabled": h.store.Enabled(),
		"mqtt_enabled":    h.publisher != nil,
	})
}

// PredictResponse is the body of a successful /predict call.
type PredictResponse struct {
	Success          bool                       `json:"success"`
	Prediction       diagnosis.Label            `json:"prediction"`
	Confidence       float64                    `json:"confidence"`
	RawScore         []float64                  `json:"raw_score"`
	Recommendations  []string                   `json:"recommendations"`
	DetailedAnalysis diagnosis.DetailedAnalysis `json:"detailed_analysis"`
	Degraded         bool                       `json:"degraded"`
	AnalysisID       uint                       `json:"analysis_id,omitempty"`
}

// stageError carries the HTTP status and client message for a failed
// pipeline stage. err is logged, never returned to the client.
type stageError struct {
	stage   string
	status  int
	message string
	err     error
}

func (e *stageError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e *stageError) Unwrap() error { return e.err }

func badRequest(stage, message string, err error) *stageError {
	return &stageError{stage: stage, status: http.StatusBadRequest, message: message, err: err}
}

func serverError(stage string, err error) *stageError {
	return &stageError{stage: stage, status: http.StatusInternalServerError, message: msgFailed, err: err}
}

// Predict runs validate, save, preprocess, infer and interpret on the
// uploaded "file" field. The staged file is removed on every exit.
func (h *Handler) Predict(c *gin.Context) {
	start := time.Now()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	defer func() {
		if form := c.Request.MultipartForm; form != nil {
			form.RemoveAll()
		}
	}()

	fh, serr := h.receive(c)
	if serr != nil {
		h.fail(c, nil, serr, start)
		return
	}

	record, err := h.store.Begin(database.Upload{
		OriginalName: fh.Filename,
		Size:         fh.Size,
		ContentType:  fh.Header.Get("Content-Type"),
	})
	if err != nil {
		log.WithError(err).Warn("Failed to record analysis, continuing without history")
	}

	path, cleanup, err := upload.Save(h.uploadDir, fh)
	defer cleanup()
	if err != nil {
		h.fail(c, record, serverError("save", err), start)
		return
	}

	report, pred, serr := h.analyse(path)
	if serr != nil {
		h.fail(c, record, serr, start)
		return
	}

	resp := PredictResponse{
		Success:          true,
		Prediction:       report.Label,
		Confidence:       report.Confidence,
		RawScore:         pred.Probabilities,
		Recommendations:  report.Recommendations,
		DetailedAnalysis: report.Analysis,
		Degraded:         h.modelServer.Degraded(),
	}

	elapsed := time.Since(start)
	if err := h.store.Complete(record, database.Outcome{
		Prediction:      string(report.Label),
		Confidence:      report.Confidence,
		ConfidenceLevel: string(report.Tier),
		RiskLevel:       report.Analysis.RiskAssessment,
		RawScore:        pred.Probabilities,
		Recommendations: report.Recommendations,
	}, elapsed); err != nil {
		log.WithError(err).Warn("Failed to store analysis result")
	}
	if record != nil {
		resp.AnalysisID = record.ID
	}

	if err := h.publisher.Publish(mqtt.Event{
		AnalysisID:     resp.AnalysisID,
		Prediction:     string(report.Label),
		Confidence:     report.Confidence,
		ConfidenceTier: string(report.Tier),
		RiskAssessment: report.Analysis.RiskAssessment,
		Degraded:       resp.Degraded,
		Timestamp:      time.Now(),
	}); err != nil {
		log.WithError(err).Warn("Failed to publish analysis event")
	}
	h.metrics.ObservePrediction(string(report.Label), string(report.Tier))

	log.WithFields(log.Fields{
		"prediction": report.Label,
		"confidence": fmt.Sprintf("%.4f", report.Confidence),
		"tier":       report.Tier,
		"elapsed":    elapsed.Round(time.Millisecond),
	}).Info("Prediction completed")

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) receive(c *gin.Context) (*multipart.FileHeader, *stageError) {
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, badRequest("receive", msgTooLarge, err)
		}
		return nil, badRequest("receive", msgNoFile, err)
	}

	if err := upload.Validate(fh.Filename); err != nil {
		if errors.Is(err, upload.ErrNoFileSelected) {
			return nil, badRequest("validate", msgNoSelection, err)
		}
		return nil, badRequest("validate", msgInvalidType, err)
	}
	return fh, nil
}

func (h *Handler) analyse(path string) (diagnosis.Report, *model.Prediction, *stageError) {
	tensor, err := preprocess.LoadFile(path, h.input)
	if err != nil {
		return diagnosis.Report{}, nil, serverError("preprocess", err)
	}

	pred, err := h.modelServer.Predict(tensor)
	if err != nil {
		return diagnosis.Report{}, nil, serverError("inference", err)
	}

	label, err := diagnosis.ParseLabel(pred.Label)
	if err != nil {
		return diagnosis.Report{}, nil, serverError("interpret", err)
	}
	return diagnosis.Interpret(label, pred.Confidence, pred.Classes, pred.Probabilities, h.input.Size), pred, nil
}

func (h *Handler) fail(c *gin.Context, record *database.Analysis, serr *stageError, start time.Time) {
	entry := log.WithError(serr.err).WithField("stage", serr.stage)
	if serr.status >= http.StatusInternalServerError {
		entry.Error("Prediction error")
	} else {
		entry.Info("Rejected prediction request")
	}

	h.metrics.ObserveFailure(serr.stage)
	if err := h.store.Fail(record, serr, time.Since(start)); err != nil {
		log.WithError(err).Warn("Failed to store analysis failure")
	}
	c.JSON(serr.status, gin.H{"success": false, "error": serr.message})
}

func (h *Handler) ListAnalyses(c *gin.Context) {
	if !h.store.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": msgNoHistory})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	analyses, total, err := h.store.List(page, limit)
	if err != nil {
		log.WithError(err).Error("Failed to list analyses")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": msgHistoryError})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"analyses": analyses,
		"total":    total,
		"page":     max(page, 1),
	})
}

func (h *Handler) GetAnalysis(c *gin.Context) {
	if !h.store.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": msgNoHistory})
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msgInvalidID})
		return
	}

	a, err := h.store.Get(uint(id))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": msgNotFound})
		return
	}
	if err != nil {
		log.WithError(err).Errorf("Failed to load analysis %d", id)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": msgHistoryError})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "analysis": a})
}

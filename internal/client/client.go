// Package client talks to a running MedVision service over HTTP.
package client

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Brownie44l1/medvision-api/internal/database"
	"github.com/Brownie44l1/medvision-api/internal/diagnosis"

	"github.com/go-resty/resty/v2"
)

// APIError is a non-2xx answer from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("service returned status %d: %s", e.StatusCode, e.Message)
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type Health struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Degraded    bool   `json:"degraded"`
	Version     string `json:"version"`
}

// Result is the /predict response.
type Result struct {
	Success          bool                       `json:"success"`
	Prediction       diagnosis.Label            `json:"prediction"`
	Confidence       float64                    `json:"confidence"`
	RawScore         []float64                  `json:"raw_score"`
	Recommendations  []string                   `json:"recommendations"`
	DetailedAnalysis diagnosis.DetailedAnalysis `json:"detailed_analysis"`
	Degraded         bool                       `json:"degraded"`
	AnalysisID       uint                       `json:"analysis_id,omitempty"`
}

type AnalysisPage struct {
	Success  bool                `json:"success"`
	Analyses []database.Analysis `json:"analyses"`
	Total    int64               `json:"total"`
	Page     int                 `json:"page"`
}

type Client struct {
	http *resty.Client
}

// New returns a client for the service at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetError(&errorBody{})
	return &Client{http: c}
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/health")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// Predict uploads the image at path as the "file" form field.
func (c *Client) Predict(ctx context.Context, path string) (*Result, error) {
	var out Result
	resp, err := c.http.R().
		SetContext(ctx).
		SetFile("file", path).
		SetResult(&out).
		Post("/predict")
	if err := check(resp, err); err != nil {
		return nil, fmt.Errorf("predict %s: %w", filepath.Base(path), err)
	}
	return &out, nil
}

func (c *Client) Analyses(ctx context.Context, page, limit int) (*AnalysisPage, error) {
	var out AnalysisPage
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"page":  strconv.Itoa(page),
			"limit": strconv.Itoa(limit),
		}).
		SetResult(&out).
		Get("/analyses")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode()}
		if body, ok := resp.Error().(*errorBody); ok && body != nil {
			apiErr.Message = body.Error
		}
		return apiErr
	}
	return nil
}

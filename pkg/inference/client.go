// Package inference talks to the two-stage defect detection API.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/rdqcc/defect-overlay/pkg/types"
)

const (
	DefaultBaseURL    = "http://localhost:5004"
	ProductionBaseURL = "https://api.defect-ai.com"

	DefaultConfidence = 0.5
	MinConfidence     = 0.01
	MaxConfidence     = 1.0

	twoStageModelsPath  = "/api/yolo/models/two-stage"
	modelsPath          = "/api/yolo/models"
	twoStagePredictPath = "/api/yolo/predict/two-stage"
)

var (
	// ErrUpstream marks failures reported by, or talking to, the inference API.
	ErrUpstream = errors.New("inference api")
	// ErrInvalidRequest marks a PredictRequest that cannot be sent.
	ErrInvalidRequest = errors.New("invalid predict request")
)

// APIError is a non-success answer from the inference API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return ErrUpstream
}

// Client is an inference API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the API at baseURL. An empty URL selects the
// development server.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type modelsEnvelope struct {
	Status   string               `json:"status"`
	Message  string               `json:"message"`
	Models   []string             `json:"models"`
	Defaults *types.ModelDefaults `json:"defaults"`
}

// ListModels returns the models available for two-stage inference. When the two-stage
// listing fails the plain model listing is tried; that one carries no defaults.
func (c *Client) ListModels(ctx context.Context) (*types.ModelCatalog, error) {
	env, err := c.getModels(ctx, twoStageModelsPath)
	if err == nil {
		return &types.ModelCatalog{Models: cleanModels(env.Models), Defaults: env.Defaults}, nil
	}

	c.logger.Warn("two-stage model listing failed, trying fallback",
		zap.String("base_url", c.baseURL),
		zap.Error(err))

	fallback, ferr := c.getModels(ctx, modelsPath)
	if ferr != nil || fallback.Models == nil {
		return nil, err
	}
	return &types.ModelCatalog{Models: cleanModels(fallback.Models)}, nil
}

func cleanModels(models []string) []string {
	return lo.Uniq(lo.Compact(models))
}

func (c *Client) getModels(ctx context.Context, path string) (*modelsEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("HTTP error! status: %d", resp.StatusCode)}
	}

	var env modelsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: failed to parse model listing: %w", ErrUpstream, err)
	}
	if env.Status != "success" {
		msg := env.Message
		if msg == "" {
			msg = "Failed to load models"
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return &env, nil
}

// PredictRequest holds the form fields of a two-stage prediction.
type PredictRequest struct {
	Image           []byte
	Filename        string
	FirstModel      string
	SecondModel     string
	FirstConfidence float64
	Filter          bool
	ProductCode     string
}

// Validate checks the request and fills in the default confidence.
func (r *PredictRequest) Validate() error {
	if r == nil || len(r.Image) == 0 {
		return fmt.Errorf("%w: image is required", ErrInvalidRequest)
	}
	if r.FirstConfidence == 0 {
		r.FirstConfidence = DefaultConfidence
	}
	if r.FirstConfidence < MinConfidence || r.FirstConfidence > MaxConfidence {
		return fmt.Errorf("%w: first confidence %v outside [%v, %v]",
			ErrInvalidRequest, r.FirstConfidence, MinConfidence, MaxConfidence)
	}
	if r.Filename == "" {
		r.Filename = "image.jpg"
	}
	return nil
}

func (r *PredictRequest) encode() (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	part, err := w.CreateFormFile("image", r.Filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(r.Image); err != nil {
		return nil, "", err
	}

	fields := [][2]string{}
	if r.FirstModel != "" {
		fields = append(fields, [2]string{"first_model_filename", r.FirstModel})
	}
	if r.SecondModel != "" {
		fields = append(fields, [2]string{"second_model_filename", r.SecondModel})
	}
	fields = append(fields,
		[2]string{"first_confidence", strconv.FormatFloat(r.FirstConfidence, 'f', -1, 64)},
		[2]string{"filter", strconv.FormatBool(r.Filter)})
	if r.Filter && r.ProductCode != "" {
		fields = append(fields, [2]string{"product_code", r.ProductCode})
	}

	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}

// Predict submits an image for two-stage inference.
func (c *Client) Predict(ctx context.Context, r *PredictRequest) (*PredictResponse, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	body, contentType, err := r.encode()
	if err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+twoStagePredictPath, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrUpstream, err)
	}

	var result PredictResponse
	decodeErr := json.Unmarshal(raw, &result)
	if resp.StatusCode < 200 || resp.StatusCode > 299 || decodeErr != nil || result.Status != "success" {
		msg := result.Message
		if msg == "" {
			msg = fmt.Sprintf("Inference failed (HTTP %d)", resp.StatusCode)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	c.logger.Debug("prediction complete",
		zap.Int("first_stage", len(result.FirstStage)),
		zap.Int("second_stage", len(result.SecondStage)),
		zap.Int("final", len(result.FinalDetections)),
		zap.Duration("elapsed", time.Since(start)))

	return &result, nil
}

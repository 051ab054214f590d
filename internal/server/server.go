// Package server exposes the inspection workbench over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	defectoverlay "github.com/rdqcc/defect-overlay"
	"github.com/rdqcc/defect-overlay/internal/config"
	"github.com/rdqcc/defect-overlay/internal/utils"
	"github.com/rdqcc/defect-overlay/pkg/compress"
	"github.com/rdqcc/defect-overlay/pkg/imageio"
	"github.com/rdqcc/defect-overlay/pkg/inference"
	"github.com/rdqcc/defect-overlay/pkg/report"
	"github.com/rdqcc/defect-overlay/pkg/results"
	"github.com/rdqcc/defect-overlay/pkg/types"
)

// RequestIDHeader carries the per-request id on requests and responses.
const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

// RequestID returns the id assigned to the request carrying ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ModelsResponse is the body of GET /api/models.
type ModelsResponse struct {
	Models            []string             `json:"models"`
	FirstStageLabels  []string             `json:"first_stage_labels"`
	SecondStageLabels []string             `json:"second_stage_labels"`
	Defaults          *types.ModelDefaults `json:"defaults"`
}

// PredictResponse is the body of POST /api/predict.
type PredictResponse struct {
	RequestID  string              `json:"request_id"`
	Detections []types.Detection   `json:"detections"`
	Entries    []results.Entry     `json:"entries"`
	Master     string              `json:"master"`
	Overlay    string              `json:"overlay"`
	Width      int                 `json:"width"`
	Height     int                 `json:"height"`
	Skipped    int                 `json:"skipped"`
	Report     report.Report       `json:"report"`
	ReportText string              `json:"report_text"`
	Status     types.StatusMessage `json:"status"`
}

// Server is the HTTP gateway.
type Server struct {
	wb     *defectoverlay.Workbench
	cfg    config.ServerConfig
	logger *zap.Logger
	router *mux.Router
}

// New creates a Server for wb.
func New(wb *defectoverlay.Workbench, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = config.Default().Server.MaxUploadMB
	}
	s := &Server{wb: wb, cfg: cfg, logger: logger, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestID)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	api.HandleFunc("/predict", s.handlePredict).Methods(http.MethodPost)
	api.HandleFunc("/render", s.handleRender).Methods(http.MethodPost)
	api.HandleFunc("/compress", s.handleCompress).Methods(http.MethodPost)
}

// Handler returns the routed handler wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{RequestIDHeader, "X-Detections-Drawn", "X-Detections-Skipped"},
	}).Handler(s.router)
}

// Run serves on the configured address until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      5 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting server", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.ShutdownTimeout.Std()
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.logger.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))

		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      defectoverlay.GetVersion(),
		"report_model": s.wb.HasReportModel(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	cat, err := s.wb.ListModels(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ModelsResponse{
		Models:            cat.Models,
		FirstStageLabels:  cat.Labels(types.FirstStage),
		SecondStageLabels: cat.Labels(types.SecondStage),
		Defaults:          cat.Defaults,
	})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	file, err := s.readUpload(w, r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	params := defectoverlay.InspectParams{
		FirstModel:  r.FormValue("first_model_filename"),
		SecondModel: r.FormValue("second_model_filename"),
		Filter:      r.FormValue("filter") == "true",
		ProductCode: r.FormValue("product_code"),
	}
	if v := r.FormValue("first_confidence"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.sendError(w, r, fmt.Errorf("%w: first_confidence: %w", inference.ErrInvalidRequest, err))
			return
		}
		params.FirstConfidence = c
	}

	ins, err := s.wb.Inspect(r.Context(), file, params)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PredictResponse{
		RequestID:  RequestID(r.Context()),
		Detections: ins.Results.Detections(),
		Entries:    ins.Results.Entries(),
		Master:     ins.Results.Master().String(),
		Overlay:    ins.Overlay.DataURI(),
		Width:      ins.Overlay.Width,
		Height:     ins.Overlay.Height,
		Skipped:    len(ins.Skipped),
		Report:     ins.Report,
		ReportText: ins.Report.Format(),
		Status:     ins.Status,
	})
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	file, err := s.readUpload(w, r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	var dets []types.Detection
	if raw := r.FormValue("detections"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &dets); err != nil {
			s.sendError(w, r, fmt.Errorf("%w: detections: %w", inference.ErrInvalidRequest, err))
			return
		}
	}

	img, _, err := imageio.Decode(file.Data)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	res, err := s.wb.Render(r.Context(), img, dets)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	w.Header().Set("X-Detections-Drawn", strconv.Itoa(len(res.Marks)))
	w.Header().Set("X-Detections-Skipped", strconv.Itoa(len(res.Skipped)))
	writeImage(w, res.Image.ContentType, res.Image.Data)
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	file, err := s.readUpload(w, r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	var opts compress.Options
	if raw := r.FormValue("max_size"); raw != "" {
		n, err := utils.ParseFileSize(raw)
		if err != nil || n <= 0 {
			s.sendError(w, r, fmt.Errorf("%w: max_size must be a positive size such as 500KB", inference.ErrInvalidRequest))
			return
		}
		opts.MaxSizeMB = float64(n) / units.MiB
	}
	for _, f := range []struct {
		name string
		set  func(float64)
	}{
		{"max_size_mb", func(v float64) { opts.MaxSizeMB = v }},
		{"max_dimension", func(v float64) { opts.MaxWidthOrHeight = int(v) }},
		{"quality", func(v float64) { opts.Quality = v }},
	} {
		raw := r.FormValue(f.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			s.sendError(w, r, fmt.Errorf("%w: %s must be a positive number", inference.ErrInvalidRequest, f.name))
			return
		}
		f.set(v)
	}

	out, err := s.wb.CompressWithOptions(r.Context(), file, opts)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeImage(w, out.ContentType, out.Data)
}

// readUpload reads the multipart "image" field.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (*compress.File, error) {
	limit := int64(s.cfg.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		return nil, fmt.Errorf("%w: %w", imageio.ErrImageLoad, err)
	}

	f, hdr, err := r.FormFile("image")
	if err != nil {
		return nil, fmt.Errorf("%w: missing image field: %w", imageio.ErrImageLoad, err)
	}
	defer f.Close()

	contentType := hdr.Header.Get("Content-Type")
	if !utils.IsImageFile(hdr.Filename) && !utils.IsImageContentType(contentType) {
		return nil, fmt.Errorf("%w: unsupported file type %q", inference.ErrInvalidRequest, hdr.Filename)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", imageio.ErrImageLoad, err)
	}
	return &compress.File{
		Name:        hdr.Filename,
		ContentType: contentType,
		Data:        data,
	}, nil
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, inference.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, imageio.ErrImageLoad):
		return http.StatusBadRequest, "image_load"
	case errors.Is(err, imageio.ErrImageNotReady):
		return http.StatusUnprocessableEntity, "image_not_ready"
	case errors.Is(err, imageio.ErrRenderContext):
		return http.StatusRequestEntityTooLarge, "render_context"
	case errors.Is(err, imageio.ErrEncoding):
		return http.StatusInternalServerError, "encoding"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, inference.ErrUpstream):
		return http.StatusBadGateway, "upstream"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Code: code, Message: http.StatusText(status), Details: err.Error()}

	var apiErr *inference.APIError
	if errors.As(err, &apiErr) {
		resp.Message = apiErr.Message
	}

	s.logger.Warn("request failed",
		zap.String("request_id", RequestID(r.Context())),
		zap.String("code", code),
		zap.Error(err))
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeImage(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rdqcc/defect-overlay/pkg/types"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestListModelsTwoStage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, twoStageModelsPath, r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "success",
			"models":   []string{"coarse.pt", "fine.pt", "", "fine.pt"},
			"defaults": map[string]string{"first_stage": "coarse.pt", "second_stage": "fine.pt"},
		})
	}))
	defer srv.Close()

	cat, err := NewClient(srv.URL + "/").ListModels(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"coarse.pt", "fine.pt"}, cat.Models)
	require.NotNil(t, cat.Defaults)
	require.Equal(t, "coarse.pt (Default for First Stage)", cat.Label("coarse.pt", types.FirstStage))
	require.Equal(t, "fine.pt (Default for Second Stage)", cat.Label("fine.pt", types.SecondStage))
}

func TestListModelsFallsBack(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case twoStageModelsPath:
			w.WriteHeader(http.StatusNotFound)
		case modelsPath:
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "models": []string{"only.pt"}})
		}
	}))
	defer srv.Close()

	cat, err := NewClient(srv.URL, WithLogger(zap.New(core))).ListModels(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"only.pt"}, cat.Models)
	require.Nil(t, cat.Defaults)
	require.Equal(t, "only.pt", cat.Label("only.pt", types.FirstStage))
	require.Equal(t, 1, logs.Len())
}

func TestListModelsBothFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == twoStageModelsPath {
			writeJSON(w, http.StatusOK, map[string]any{"status": "error", "message": "models offline"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).ListModels(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUpstream)
	require.Equal(t, "models offline", err.Error())
}

func TestPredictSendsForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, twoStagePredictPath, r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		f, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		require.Equal(t, "jpegbytes", string(data))
		require.Equal(t, "part.jpg", hdr.Filename)

		require.Equal(t, "coarse.pt", r.FormValue("first_model_filename"))
		require.Empty(t, r.MultipartForm.Value["second_model_filename"])
		require.Equal(t, "0.35", r.FormValue("first_confidence"))
		require.Equal(t, "true", r.FormValue("filter"))
		require.Equal(t, "PX-12", r.FormValue("product_code"))

		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "success",
			"first_stage": []any{map[string]any{"box": []float64{1, 2, 30, 40}, "class_name": "part", "confidence": 0.9}},
			"second_stage": []any{map[string]any{
				"box": []float64{10, 20, 30, 40}, "class_name": "Scratch", "confidence": 0.8,
				"scaling_info": map[string]float64{"scale_x": 2, "scale_y": 2, "pad_left": 1, "pad_top": 1},
				"crop_box":     []float64{100, 200, 300, 400},
			}},
		})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Predict(context.Background(), &PredictRequest{
		Image:           []byte("jpegbytes"),
		Filename:        "part.jpg",
		FirstModel:      "coarse.pt",
		FirstConfidence: 0.35,
		Filter:          true,
		ProductCode:     "PX-12",
	})
	require.NoError(t, err)
	require.Len(t, resp.FirstStage, 1)
	require.Len(t, resp.SecondStage, 1)

	dets, err := resp.Detections()
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, "Scratch", dets[0].ClassName)
	require.Equal(t, []float64{104, 209, 114, 219}, []float64(dets[0].Box))
}

func TestPredictOmitsProductCodeWithoutFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "false", r.FormValue("filter"))
		require.Equal(t, "0.5", r.FormValue("first_confidence"))
		require.Empty(t, r.MultipartForm.Value["product_code"])
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "first_stage": []any{}})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Predict(context.Background(), &PredictRequest{Image: []byte("x"), ProductCode: "PX-12"})
	require.NoError(t, err)
}

func TestPredictErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("<html>down</html>"))
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(srv.URL)

	_, err := c.Predict(ctx, &PredictRequest{Image: []byte("x")})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	require.Equal(t, "Inference failed (HTTP 503)", err.Error())
	require.ErrorIs(t, err, ErrUpstream)

	_, err = c.Predict(ctx, &PredictRequest{})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = c.Predict(ctx, &PredictRequest{Image: []byte("x"), FirstConfidence: 1.5})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPredictUsesAPIMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "model not found"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Predict(context.Background(), &PredictRequest{Image: []byte("x")})
	require.EqualError(t, err, "model not found")
}

func TestPredictRequestValidateDefaults(t *testing.T) {
	r := &PredictRequest{Image: []byte("x")}
	require.NoError(t, r.Validate())
	require.Equal(t, DefaultConfidence, r.FirstConfidence)
	require.Equal(t, "image.jpg", r.Filename)

	require.NoError(t, (&PredictRequest{Image: []byte("x"), FirstConfidence: 0.01}).Validate())
	require.NoError(t, (&PredictRequest{Image: []byte("x"), FirstConfidence: 1}).Validate())
	require.Error(t, (&PredictRequest{Image: []byte("x"), FirstConfidence: 0.005}).Validate())

	var nilReq *PredictRequest
	require.ErrorIs(t, nilReq.Validate(), ErrInvalidRequest)
}

func TestNewClientDefaults(t *testing.T) {
	require.Equal(t, DefaultBaseURL, NewClient("").BaseURL())
	require.Equal(t, ProductionBaseURL, NewClient(ProductionBaseURL+"/").BaseURL())
}

package handlers

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/pomegrade/internal/history"
	"github.com/Brownie44l1/pomegrade/internal/model"
	"github.com/Brownie44l1/pomegrade/internal/transform"
)

// fakePredictor returns Ripe for bright inputs and Overripe otherwise.
type fakePredictor struct {
	metadata model.Metadata
	inputs   [][]float32
	err      error
	panics   bool
}

func newFakePredictor() *fakePredictor {
	return &fakePredictor{metadata: model.NewMetadata([]string{"Ripe", "Overripe"}, 4)}
}

func (p *fakePredictor) Metadata() model.Metadata { return p.metadata }

func (p *fakePredictor) Predict(input []float32) (*model.Prediction, error) {
	if p.panics {
		panic("boom")
	}
	if p.err != nil {
		return nil, p.err
	}
	p.inputs = append(p.inputs, input)
	if input[0] > 0.5 {
		return model.NewPrediction(p.metadata.Classes, []float32{3, 0})
	}
	return model.NewPrediction(p.metadata.Classes, []float32{0, 3})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPreprocess() transform.Func {
	return transform.Validation(transform.Config{Width: 4, Height: 4, Std: [3]float32{1, 1, 1}})
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// noisyPNG encodes a size x size image that does not compress well.
func noisyPNG(t *testing.T, size int) []byte {
	t.Helper()
	rng := rand.New(rand.NewPCG(1, 2))
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.IntN(256))
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, path, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func newHistory(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	h := NewHandler(newFakePredictor(), testPreprocess(), testLogger())

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, []any{"Ripe", "Overripe"}, body["classes"])
}

func TestPredictFromImage(t *testing.T) {
	p := newFakePredictor()
	store := newHistory(t)
	h := NewHandler(p, testPreprocess(), testLogger(), WithHistory(store))
	routes := h.Routes()

	tests := []struct {
		name  string
		path  string
		field string
		color color.Color
		want  string
	}{
		{name: "file field", path: "/predict/", field: "file", color: color.White, want: "Ripe"},
		{name: "image field", path: "/predict/image", field: "image", color: color.Black, want: "Overripe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			routes.ServeHTTP(rec, multipartRequest(t, tt.path, tt.field, "pomelo.png", pngBytes(t, tt.color)))

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			resp := decode[model.PredictionResponse](t, rec)
			assert.Equal(t, tt.want, resp.Class)
			assert.NotEmpty(t, resp.ID)
			assert.Greater(t, resp.Confidence, float32(0.9))
			assert.Len(t, resp.Predictions, 2)
		})
	}

	require.Len(t, p.inputs, 2)
	assert.Len(t, p.inputs[0], 3*4*4)

	entries, err := store.List(t.Context(), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestPredictFromImageMatchesValidationTransform(t *testing.T) {
	p := newFakePredictor()
	pre := testPreprocess()
	h := NewHandler(p, pre, testLogger())
	data := pngBytes(t, color.NRGBA{R: 12, G: 140, B: 200, A: 255})

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, multipartRequest(t, "/predict/", "file", "x.png", data))
	require.Equal(t, http.StatusOK, rec.Code)

	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	want, err := pre(transform.RGB(img))
	require.NoError(t, err)
	assert.Equal(t, want.Data, p.inputs[0])
}

func TestPredictFromImageErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		h := NewHandler(newFakePredictor(), testPreprocess(), testLogger())
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, multipartRequest(t, "/predict/", "other", "x.png", pngBytes(t, color.White)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("not an image", func(t *testing.T) {
		h := NewHandler(newFakePredictor(), testPreprocess(), testLogger())
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, multipartRequest(t, "/predict/", "file", "x.png", []byte("hello")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("not multipart", func(t *testing.T) {
		h := NewHandler(newFakePredictor(), testPreprocess(), testLogger())
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict/", bytes.NewBufferString("x")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("too large", func(t *testing.T) {
		h := NewHandler(newFakePredictor(), testPreprocess(), testLogger(), WithMaxUploadBytes(1024))
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, multipartRequest(t, "/predict/", "file", "x.png", noisyPNG(t, 64)))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("predictor failure", func(t *testing.T) {
		p := newFakePredictor()
		p.err = errors.New("session gone")
		h := NewHandler(p, testPreprocess(), testLogger())
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, multipartRequest(t, "/predict/", "file", "x.png", pngBytes(t, color.White)))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		h := NewHandler(newFakePredictor(), testPreprocess(), testLogger())
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predict/", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestPredictTensor(t *testing.T) {
	p := newFakePredictor()
	h := NewHandler(p, testPreprocess(), testLogger())
	routes := h.Routes()

	input := make([]float32, 3*4*4)
	input[0] = 1
	body, err := json.Marshal(model.PredictionRequest{Image: input})
	require.NoError(t, err)

	for _, path := range []string{"/predict", "/predict/tensor"} {
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body)))
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "Ripe", decode[model.PredictionResponse](t, rec).Class, path)
	}

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, multipartRequest(t, "/predict", "file", "x.png", pngBytes(t, color.White)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict/tensor", bytes.NewBufferString(`{"image":[1,2]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict/tensor", bytes.NewBufferString(`{`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryEndpoints(t *testing.T) {
	store := newHistory(t)
	h := NewHandler(newFakePredictor(), testPreprocess(), testLogger(), WithHistory(store))
	routes := h.Routes()
	ctx := t.Context()

	day := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	keep, err := store.Add(ctx, history.Entry{Filename: "a.png", Class: "Ripe", CreatedAt: day.AddDate(0, 0, 1)})
	require.NoError(t, err)
	drop, err := store.Add(ctx, history.Entry{Filename: "b.png", Class: "Overripe", CreatedAt: day})
	require.NoError(t, err)
	_, err = store.Add(ctx, history.Entry{Filename: "c.png", Class: "Ripe", CreatedAt: day.Add(time.Hour)})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]history.Entry](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, keep.ID, entries[0].ID)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/history/"+drop.ID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/history/"+drop.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/history?date=2026-06-01", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int64{"deleted": 1}, decode[map[string]int64](t, rec))

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/history?date=june", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	remaining, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, keep.ID, remaining[0].ID)
}

func TestHistoryDisabled(t *testing.T) {
	h := NewHandler(newFakePredictor(), testPreprocess(), testLogger())

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	p := newFakePredictor()
	p.panics = true
	h := NewHandler(p, testPreprocess(), testLogger())

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, multipartRequest(t, "/predict/", "file", "x.png", pngBytes(t, color.White)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := NewHandler(newFakePredictor(), testPreprocess(), testLogger())

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/predict/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

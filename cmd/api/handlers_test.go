package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fileshield/internal/config"
	"fileshield/internal/models"
	"fileshield/internal/service"
)

type fakeService struct {
	uploads  []string
	content  []byte
	resets   int
	similar  []models.SimilarFile
	err      error
	activity models.ActivityRequest
}

func (f *fakeService) ScanUpload(_ context.Context, userID, filename string, content []byte) (*models.ScanResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id and filename are required", service.ErrInvalidInput)
	}
	f.uploads = append(f.uploads, userID+"/"+filename)
	f.content = content
	return &models.ScanResponse{Scan: models.FileScan{ScanID: "scan-1", UserID: userID, Filename: filename}}, nil
}

func (f *fakeService) RecordActivity(_ context.Context, userID string, req models.ActivityRequest) (models.ActivityPoint, error) {
	f.activity = req
	return models.ActivityPoint{FilenameLength: uint32(len(req.Filename)), SessionUploadCount: 1}, f.err
}

func (f *fakeService) DetectAnomaly(context.Context, string) (models.AnomalyVerdict, error) {
	return models.AnomalyVerdict{AnomalyScore: 0.42, Indicators: []models.Finding{}}, f.err
}

func (f *fakeService) Report(_ context.Context, userID string) (models.UserRiskReport, error) {
	return models.UserRiskReport{UserID: userID, RiskLevel: models.RiskLow}, f.err
}

func (f *fakeService) SimilarFiles(context.Context, string, int) ([]models.SimilarFile, error) {
	return f.similar, f.err
}

func (f *fakeService) IsKnownDangerous(_ context.Context, hash string) (bool, error) {
	return hash == "bad", f.err
}

func (f *fakeService) Stats(context.Context) (*models.ScanStats, error) {
	return &models.ScanStats{}, f.err
}

func (f *fakeService) RetrainDetector() {
	f.resets++
}

func newTestServer(svc scanService) *Server {
	cfg := &config.Config{API: config.APIConfig{APIKey: "secret", MaxUploadSize: 4096}}
	s := &Server{cfg: cfg, app: newApp(cfg.API), svc: svc}
	s.SetupRoutes()
	return s
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func decode(t *testing.T, r io.Reader, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(r).Decode(v))
}

func TestScanHandler(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc)

	body, contentType := multipartBody(t, "notes.txt", []byte("hello"))
	req := httptest.NewRequest("POST", "/scan", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-API-Key", "secret")
	req.Header.Set("X-User-ID", "alice")

	resp, err := s.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out models.ScanResponse
	decode(t, resp.Body, &out)
	assert.Equal(t, "alice", out.Scan.UserID)
	assert.Equal(t, []string{"alice/notes.txt"}, svc.uploads)
	assert.Equal(t, []byte("hello"), svc.content)
}

func TestScanHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		build  func(t *testing.T) (*bytes.Buffer, string)
		user   string
		status int
	}{
		{"missing file", func(t *testing.T) (*bytes.Buffer, string) {
			return bytes.NewBufferString("user_id=alice"), "application/x-www-form-urlencoded"
		}, "alice", fiber.StatusBadRequest},
		{"missing user", func(t *testing.T) (*bytes.Buffer, string) {
			return multipartBody(t, "a.txt", []byte("x"))
		}, "", fiber.StatusBadRequest},
		{"too large", func(t *testing.T) (*bytes.Buffer, string) {
			return multipartBody(t, "a.txt", bytes.Repeat([]byte("x"), 5000))
		}, "alice", fiber.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeService{})
			body, contentType := tt.build(t)
			req := httptest.NewRequest("POST", "/scan", body)
			req.Header.Set("Content-Type", contentType)
			req.Header.Set("X-API-Key", "secret")
			if tt.user != "" {
				req.Header.Set("X-User-ID", tt.user)
			}

			resp, err := s.app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestRoutesRequireAPIKey(t *testing.T) {
	s := newTestServer(&fakeService{})

	resp, err := s.app.Test(httptest.NewRequest("GET", "/users/alice/report", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, err = s.app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestUserRoutes(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc)

	req := httptest.NewRequest("GET", "/users/alice/report", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var report models.UserRiskReport
	decode(t, resp.Body, &report)
	assert.Equal(t, "alice", report.UserID)
	assert.Equal(t, models.RiskLow, report.RiskLevel)

	req = httptest.NewRequest("GET", "/users/alice/anomaly", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err = s.app.Test(req)
	require.NoError(t, err)
	var verdict models.AnomalyVerdict
	decode(t, resp.Body, &verdict)
	assert.Equal(t, 0.42, verdict.AnomalyScore)

	req = httptest.NewRequest("POST", "/users/alice/activity", bytes.NewBufferString(`{"file_size":2048,"filename":"a.pdf"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "secret")
	resp, err = s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, int64(2048), svc.activity.FileSize)
	assert.Equal(t, "a.pdf", svc.activity.Filename)
}

func TestFileRoutes(t *testing.T) {
	svc := &fakeService{similar: []models.SimilarFile{{ContentHash: "b", Filename: "b.html", Distance: 0.5}}}
	s := newTestServer(svc)

	req := httptest.NewRequest("GET", "/files/bad/known", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	var known map[string]interface{}
	decode(t, resp.Body, &known)
	assert.Equal(t, true, known["known_dangerous"])

	req = httptest.NewRequest("GET", "/files/a/similar?limit=3", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err = s.app.Test(req)
	require.NoError(t, err)
	var similar struct {
		Similar []models.SimilarFile `json:"similar"`
	}
	decode(t, resp.Body, &similar)
	assert.Equal(t, svc.similar, similar.Similar)

	req = httptest.NewRequest("GET", "/files/a/content", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err = s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	req = httptest.NewRequest("POST", "/detector/reset", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err = s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, svc.resets)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: hash is required", service.ErrInvalidInput), fiber.StatusBadRequest},
		{fmt.Errorf("%w: abc", service.ErrNotFound), fiber.StatusNotFound},
		{service.ErrVectorSearchDisabled, fiber.StatusServiceUnavailable},
		{fmt.Errorf("failed: %w", context.DeadlineExceeded), fiber.StatusGatewayTimeout},
		{fiber.NewError(fiber.StatusTeapot, "tea"), fiber.StatusTeapot},
		{errors.New("boom"), fiber.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}

func TestErrorHandlerHidesInternalErrors(t *testing.T) {
	s := newTestServer(&fakeService{err: errors.New("clickhouse: connection refused")})

	req := httptest.NewRequest("GET", "/users/alice/report", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)

	var out models.ErrorResponse
	decode(t, resp.Body, &out)
	assert.Equal(t, "Internal server error", out.Error)
	assert.Equal(t, fiber.StatusInternalServerError, out.Code)
}

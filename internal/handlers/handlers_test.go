package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/cattleid/internal/auth"
	"github.com/example/cattleid/internal/decision"
	"github.com/example/cattleid/internal/imaging"
	"github.com/example/cattleid/internal/repository"
	"github.com/example/cattleid/internal/usecase"
	"github.com/example/cattleid/internal/vectorindex"
)

const testJWTSecret = "test-secret"

type fakeExtractor struct {
	results [][]float32
	calls   int
}

func (f *fakeExtractor) Extract(ctx context.Context, tensor *imaging.Tensor) ([]float32, error) {
	f.calls++
	if len(f.results) == 0 {
		return nil, errors.New("no queued result")
	}
	out := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return out, nil
}

type fakeRepository struct {
	logs map[string]*repository.IdentificationLog
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{logs: map[string]*repository.IdentificationLog{}}
}

func (f *fakeRepository) SaveLog(ctx context.Context, log *repository.IdentificationLog) error {
	f.logs[log.RequestID] = log
	return nil
}

func (f *fakeRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.IdentificationLog, error) {
	if log, ok := f.logs[requestID]; ok {
		return log, nil
	}
	return nil, errors.New("not found")
}

type fakeCache struct {
	values map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: map[string]string{}}
}

func (f *fakeCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	f.values[key] = value.(string)
	return nil
}

func (f *fakeCache) Get(ctx context.Context, key string) (string, error) {
	if v, ok := f.values[key]; ok {
		return v, nil
	}
	return "", errors.New("cache miss")
}

func newTestRouter(ext *fakeExtractor) *gin.Engine {
	gin.SetMode(gin.TestMode)

	uc := usecase.NewIdentificationUseCase(
		newFakeRepository(),
		newFakeCache(),
		ext,
		vectorindex.NewMemory(),
		decision.DefaultPolicy(),
		0.85,
		zap.NewNop(),
	)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, uc, auth.JWTMiddleware(testJWTSecret, ""), Health{
		ExtractorConfigured: true,
		IndexBackend:        "memory",
	})
	return router
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x*16 + y)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func similarityVector(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

type filePart struct {
	field       string
	contentType string
	payload     []byte
}

func buildMultipartBody(t *testing.T, files []filePart, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, f := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="`+f.field+`"; filename="upload.png"`)
		header.Set("Content-Type", f.contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("failed to create multipart part: %v", err)
		}
		if _, err := part.Write(f.payload); err != nil {
			t.Fatalf("failed to write payload: %v", err)
		}
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed to write field %s: %v", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, body *bytes.Buffer, contentType, token string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
		req.Header.Set("Content-Type", contentType)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(&fakeExtractor{})

	resp := doRequest(t, router, http.MethodGet, "/health", nil, "", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var health struct {
		Status              string `json:"status"`
		ExtractorConfigured bool   `json:"extractor_configured"`
		IndexBackend        string `json:"index_backend"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if health.Status != "healthy" || !health.ExtractorConfigured || health.IndexBackend != "memory" {
		t.Fatalf("unexpected health response: %+v", health)
	}
}

func TestMutatingRoutesRequireAuth(t *testing.T) {
	router := newTestRouter(&fakeExtractor{})

	body, contentType := buildMultipartBody(t, []filePart{{"file", "image/png", testPNG(t)}}, map[string]string{"cow_name": "Bessie"})
	resp := doRequest(t, router, http.MethodPost, "/register", body, contentType, "")

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestRegisterMissingFile(t *testing.T) {
	router := newTestRouter(&fakeExtractor{})
	token := buildTestToken(t, "inspector-1")

	body, contentType := buildMultipartBody(t, nil, map[string]string{"cow_name": "Bessie"})
	resp := doRequest(t, router, http.MethodPost, "/register", body, contentType, token)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestRegisterBlankName(t *testing.T) {
	ext := &fakeExtractor{results: [][]float32{{1, 0}}}
	router := newTestRouter(ext)
	token := buildTestToken(t, "inspector-1")

	body, contentType := buildMultipartBody(t, []filePart{{"file", "image/png", testPNG(t)}}, map[string]string{"cow_name": "   "})
	resp := doRequest(t, router, http.MethodPost, "/register", body, contentType, token)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if ext.calls != 0 {
		t.Fatalf("expected validation before extraction, got %d calls", ext.calls)
	}
}

func TestRegisterRejectsOversizedUpload(t *testing.T) {
	router := newTestRouter(&fakeExtractor{})
	token := buildTestToken(t, "inspector-1")

	body, contentType := buildMultipartBody(t,
		[]filePart{{"file", "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1)}},
		map[string]string{"cow_name": "Bessie"})
	resp := doRequest(t, router, http.MethodPost, "/register", body, contentType, token)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestVerifyRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(&fakeExtractor{})
	token := buildTestToken(t, "inspector-1")

	body, contentType := buildMultipartBody(t, []filePart{
		{"image_a", "text/plain", []byte("hello")},
		{"image_b", "image/png", testPNG(t)},
	}, nil)
	resp := doRequest(t, router, http.MethodPost, "/verify", body, contentType, token)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.Code)
	}
}

func TestRegisterAndIdentifyFlow(t *testing.T) {
	ext := &fakeExtractor{results: [][]float32{
		{1, 0},
		similarityVector(0.92),
	}}
	router := newTestRouter(ext)
	token := buildTestToken(t, "inspector-1")

	body, contentType := buildMultipartBody(t,
		[]filePart{{"file", "image/png", testPNG(t)}},
		map[string]string{"cow_name": "Bessie", "latitude": "19.0760", "longitude": "72.8777"})
	resp := doRequest(t, router, http.MethodPost, "/register", body, contentType, token)
	if resp.Code != http.StatusOK {
		t.Fatalf("register failed: %d body: %s", resp.Code, resp.Body.String())
	}

	var registered struct {
		Status     string `json:"status"`
		CowID      string `json:"cow_id"`
		CowName    string `json:"cow_name"`
		Dimensions int    `json:"vector_dimensions"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &registered); err != nil {
		t.Fatalf("failed to decode register response: %v", err)
	}
	if registered.Status != "saved" || registered.CowID == "" || registered.CowName != "Bessie" || registered.Dimensions != 2 {
		t.Fatalf("unexpected register response: %+v", registered)
	}

	body, contentType = buildMultipartBody(t,
		[]filePart{{"file", "image/png", testPNG(t)}},
		map[string]string{"current_lat": "19.0750", "current_lon": "72.8767"})
	resp = doRequest(t, router, http.MethodPost, "/identify", body, contentType, token)
	if resp.Code != http.StatusOK {
		t.Fatalf("identify failed: %d body: %s", resp.Code, resp.Body.String())
	}

	var identified struct {
		RequestID  string   `json:"request_id"`
		Match      bool     `json:"match"`
		Status     string   `json:"status"`
		CowName    string   `json:"cow_name"`
		Confidence *float64 `json:"confidence"`
		Distance   *float64 `json:"distance"`
		DistanceKM *float64 `json:"distance_km"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &identified); err != nil {
		t.Fatalf("failed to decode identify response: %v", err)
	}
	if identified.Status != "APPROVED" || !identified.Match || identified.CowName != "Bessie" {
		t.Fatalf("unexpected identify response: %+v", identified)
	}
	if identified.Confidence == nil || math.Abs(*identified.Confidence-92.0) > 0.01 {
		t.Fatalf("expected confidence ~92, got %v", identified.Confidence)
	}
	if identified.DistanceKM == nil || *identified.DistanceKM > 5.0 {
		t.Fatalf("expected nearby distance, got %v", identified.DistanceKM)
	}

	// The audited decision is replayable.
	resp = doRequest(t, router, http.MethodGet, "/result/"+identified.RequestID, nil, "", token)
	if resp.Code != http.StatusOK {
		t.Fatalf("result lookup failed: %d", resp.Code)
	}
}

func TestIdentifyLocationMismatch(t *testing.T) {
	ext := &fakeExtractor{results: [][]float32{
		{1, 0},
		similarityVector(0.92),
	}}
	router := newTestRouter(ext)
	token := buildTestToken(t, "inspector-1")

	body, contentType := buildMultipartBody(t,
		[]filePart{{"file", "image/png", testPNG(t)}},
		map[string]string{"cow_name": "Bessie", "latitude": "19.0760", "longitude": "72.8777"})
	resp := doRequest(t, router, http.MethodPost, "/register", body, contentType, token)
	if resp.Code != http.StatusOK {
		t.Fatalf("register failed: %d", resp.Code)
	}

	body, contentType = buildMultipartBody(t,
		[]filePart{{"file", "image/png", testPNG(t)}},
		map[string]string{"current_lat": "18.5204", "current_lon": "73.8567"})
	resp = doRequest(t, router, http.MethodPost, "/identify", body, contentType, token)
	if resp.Code != http.StatusOK {
		t.Fatalf("identify failed: %d body: %s", resp.Code, resp.Body.String())
	}

	var identified struct {
		Match      bool     `json:"match"`
		Status     string   `json:"status"`
		DistanceKM *float64 `json:"distance_km"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &identified); err != nil {
		t.Fatalf("failed to decode identify response: %v", err)
	}
	if identified.Status != "LOCATION_MISMATCH" || identified.Match {
		t.Fatalf("unexpected identify response: %+v", identified)
	}
	if identified.DistanceKM == nil || math.Abs(*identified.DistanceKM-120.15) > 0.5 {
		t.Fatalf("expected ~120 km, got %v", identified.DistanceKM)
	}
}

func TestIdentifyEmptyIndexOmitsCowName(t *testing.T) {
	ext := &fakeExtractor{results: [][]float32{{1, 0}}}
	router := newTestRouter(ext)
	token := buildTestToken(t, "inspector-1")

	body, contentType := buildMultipartBody(t, []filePart{{"file", "image/png", testPNG(t)}}, nil)
	resp := doRequest(t, router, http.MethodPost, "/identify", body, contentType, token)
	if resp.Code != http.StatusOK {
		t.Fatalf("identify failed: %d body: %s", resp.Code, resp.Body.String())
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &raw); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if raw["status"] != "REJECTED" {
		t.Fatalf("expected REJECTED, got %v", raw["status"])
	}
	if _, present := raw["cow_name"]; present {
		t.Fatal("cow_name must be omitted on rejection")
	}
	if raw["message"] != "No results from database" {
		t.Fatalf("unexpected message: %v", raw["message"])
	}
}

func TestVerifyEndpoint(t *testing.T) {
	ext := &fakeExtractor{results: [][]float32{
		{1, 0},
		similarityVector(0.95),
	}}
	router := newTestRouter(ext)
	token := buildTestToken(t, "inspector-1")

	body, contentType := buildMultipartBody(t, []filePart{
		{"image_a", "image/png", testPNG(t)},
		{"image_b", "image/png", testPNG(t)},
	}, nil)
	resp := doRequest(t, router, http.MethodPost, "/verify", body, contentType, token)
	if resp.Code != http.StatusOK {
		t.Fatalf("verify failed: %d body: %s", resp.Code, resp.Body.String())
	}

	var verified struct {
		Match           bool    `json:"match"`
		SimilarityScore float64 `json:"similarity_score"`
		ThresholdUsed   float64 `json:"threshold_used"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &verified); err != nil {
		t.Fatalf("failed to decode verify response: %v", err)
	}
	if !verified.Match || verified.ThresholdUsed != 0.85 {
		t.Fatalf("unexpected verify response: %+v", verified)
	}
	if math.Abs(verified.SimilarityScore-0.95) > 0.001 {
		t.Fatalf("expected similarity ~0.95, got %f", verified.SimilarityScore)
	}
}

func TestResultNotFound(t *testing.T) {
	router := newTestRouter(&fakeExtractor{})
	token := buildTestToken(t, "inspector-1")

	resp := doRequest(t, router, http.MethodGet, "/result/unknown-id", nil, "", token)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestIdentifyUndecodableImage(t *testing.T) {
	router := newTestRouter(&fakeExtractor{})
	token := buildTestToken(t, "inspector-1")

	body, contentType := buildMultipartBody(t, []filePart{{"file", "image/png", []byte("not an image")}}, nil)
	resp := doRequest(t, router, http.MethodPost, "/identify", body, contentType, token)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

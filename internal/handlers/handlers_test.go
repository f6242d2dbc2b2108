package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/biowallet/internal/auth"
	"github.com/example/biowallet/internal/embedding"
	"github.com/example/biowallet/internal/facerecognition"
	"github.com/example/biowallet/internal/identity"
	"github.com/example/biowallet/internal/repository"
	"github.com/example/biowallet/internal/usecase"
	"github.com/example/biowallet/internal/verification"
)

const testJWTSecret = "test-secret"

const (
	aliceWallet  = "0x00000000000000000000000000000000000a11ce"
	bobWallet    = "0x0000000000000000000000000000000000000b0b"
	deezesWallet = "0xc58d2e14000000000000000000000000000000aa"
)

var testWallets = map[string]string{
	"alice":           aliceWallet,
	"alice.eaze.eth":  aliceWallet,
	"bob.eaze.eth":    bobWallet,
	"deezes.eaze.eth": deezesWallet,
}

type stubService struct {
	outcome    *verification.Outcome
	err        error
	record     *repository.VerificationRecord
	stored     *identity.StoredIdentity
	summary    *usecase.MetricsSummary
	verified   []string
	freshSeen  embedding.Embedding
	imageCalls int
	historyFor []string
}

func (s *stubService) Verify(ctx context.Context, identityKey string, fresh embedding.Embedding) (*verification.Outcome, error) {
	s.verified = append(s.verified, identityKey)
	s.freshSeen = fresh
	return s.outcome, s.err
}

func (s *stubService) VerifyImage(ctx context.Context, identityKey string, image []byte) (*verification.Outcome, error) {
	s.imageCalls++
	return s.outcome, s.err
}

func (s *stubService) GetResult(ctx context.Context, requestID string) (*repository.VerificationRecord, error) {
	if s.record == nil {
		return nil, s.err
	}
	return s.record, nil
}

func (s *stubService) History(ctx context.Context, identityKey string, limit int) ([]*repository.VerificationRecord, error) {
	s.historyFor = append(s.historyFor, identityKey)
	if s.err != nil {
		return nil, s.err
	}
	return []*repository.VerificationRecord{s.record}, nil
}

func (s *stubService) LookupIdentity(ctx context.Context, identityKey string) (*identity.StoredIdentity, error) {
	return s.stored, s.err
}

func (s *stubService) ResolveIdentity(identityKey string) (string, error) {
	if common.IsHexAddress(identityKey) {
		return common.HexToAddress(identityKey).Hex(), nil
	}
	if addr, ok := testWallets[strings.ToLower(identityKey)]; ok {
		return common.HexToAddress(addr).Hex(), nil
	}
	return "", fmt.Errorf("%w: unknown name %q", verification.ErrIdentityNotFound, identityKey)
}

func (s *stubService) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	return s.summary, s.err
}

func newTestRouter(svc Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, svc, auth.JWTMiddleware(testJWTSecret, ""), zap.NewNop())
	return router
}

func serve(router *gin.Engine, req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func jsonRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthIsPublic(t *testing.T) {
	resp := serve(newTestRouter(&stubService{}), httptest.NewRequest(http.MethodGet, "/health", nil), "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestVerifyRequiresToken(t *testing.T) {
	req := jsonRequest(t, http.MethodPost, "/verifications", gin.H{"identity": "alice", "embedding": []float64{1}})
	resp := serve(newTestRouter(&stubService{}), req, "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestVerifyReturnsOutcome(t *testing.T) {
	svc := &stubService{outcome: &verification.Outcome{RequestID: "req-1", IsMatch: true, Similarity: 0.95, Threshold: 0.7}}
	router := newTestRouter(svc)

	req := jsonRequest(t, http.MethodPost, "/verifications", gin.H{"identity": "alice.eaze.eth", "embedding": []float64{1, 1, 1}})
	resp := serve(router, req, buildTestToken(t, "user-1", ""))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var body verification.Outcome
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !body.IsMatch || body.RequestID != "req-1" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if len(svc.freshSeen) != 3 {
		t.Fatalf("expected embedding to be forwarded, got %v", svc.freshSeen)
	}
}

func TestVerifyRejectsInvalidBody(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)
	token := buildTestToken(t, "user-1", "")

	bodies := []gin.H{
		{"identity": "alice"},
		{"identity": "alice", "embedding": []float64{}},
		{"embedding": []float64{1}},
	}
	for _, body := range bodies {
		resp := serve(router, jsonRequest(t, http.MethodPost, "/verifications", body), token)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("body %v: expected 400, got %d", body, resp.Code)
		}
	}
	if len(svc.verified) != 0 {
		t.Fatalf("expected no verification, got %v", svc.verified)
	}
}

func TestVerifyMapsErrorKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{verification.ErrIdentityNotFound, http.StatusNotFound, verification.KindIdentityNotFound},
		{verification.ErrEmbeddingMismatch, http.StatusUnprocessableEntity, verification.KindEmbeddingMismatch},
		{verification.ErrSubmission, http.StatusBadGateway, verification.KindSubmission},
		{verification.ErrConfirmationTimeout, http.StatusGatewayTimeout, verification.KindConfirmationTimeout},
		{verification.ErrTimedOut, http.StatusGatewayTimeout, verification.KindTimedOut},
		{verification.ErrMalformedOracleResponse, http.StatusBadGateway, verification.KindMalformedOracleResponse},
		{verification.ErrCancelled, StatusClientClosedRequest, verification.KindCancelled},
		{errors.New("boom"), http.StatusInternalServerError, verification.KindInternal},
	}

	token := buildTestToken(t, "user-1", "")
	for _, tc := range cases {
		svc := &stubService{err: fmt.Errorf("wrapped: %w", tc.err)}
		req := jsonRequest(t, http.MethodPost, "/verifications", gin.H{"identity": "alice", "embedding": []float64{1}})
		resp := serve(newTestRouter(svc), req, token)
		if resp.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, resp.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if body["kind"] != tc.kind {
			t.Fatalf("%v: expected kind %s, got %s", tc.err, tc.kind, body["kind"])
		}
	}
}

func TestWalletTokenLimitedToOwnIdentity(t *testing.T) {
	svc := &stubService{outcome: &verification.Outcome{}}
	router := newTestRouter(svc)
	token := buildTestToken(t, "user-1", aliceWallet)

	resp := serve(router, jsonRequest(t, http.MethodPost, "/verifications", gin.H{"identity": "bob.eaze.eth", "embedding": []float64{1}}), token)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
	resp = serve(router, jsonRequest(t, http.MethodPost, "/verifications", gin.H{"identity": "alice.eaze.eth", "embedding": []float64{1}}), token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if len(svc.verified) != 1 {
		t.Fatalf("expected only the permitted verification to run, got %v", svc.verified)
	}
}

func TestWalletTokenAcceptsNameOfSameWallet(t *testing.T) {
	svc := &stubService{outcome: &verification.Outcome{IsMatch: true}}
	router := newTestRouter(svc)
	token := buildTestToken(t, "user-1", "0xC58D2E14000000000000000000000000000000AA")

	for _, key := range []string{"deezes.eaze.eth", "DEEZES.eaze.eth", deezesWallet} {
		resp := serve(router, jsonRequest(t, http.MethodPost, "/verifications", gin.H{"identity": key, "embedding": []float64{1}}), token)
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", key, resp.Code, resp.Body.String())
		}
	}

	resp := serve(router, jsonRequest(t, http.MethodPost, "/verifications", gin.H{"identity": "alice.eaze.eth", "embedding": []float64{1}}), token)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a name of another wallet, got %d", resp.Code)
	}
	resp = serve(router, httptest.NewRequest(http.MethodGet, "/identities/alice.eaze.eth/verifications", nil), token)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another wallet's history, got %d", resp.Code)
	}
	if len(svc.historyFor) != 0 {
		t.Fatalf("expected no history read, got %v", svc.historyFor)
	}
}

func TestUnknownIdentityIsNotFoundBeforeVerification(t *testing.T) {
	svc := &stubService{outcome: &verification.Outcome{}}
	token := buildTestToken(t, "user-1", deezesWallet)

	resp := serve(newTestRouter(svc), jsonRequest(t, http.MethodPost, "/verifications", gin.H{"identity": "ghost.eaze.eth", "embedding": []float64{1}}), token)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if len(svc.verified) != 0 {
		t.Fatalf("expected no verification, got %v", svc.verified)
	}
}

func TestVerifyImageRejectsLargeUpload(t *testing.T) {
	svc := &stubService{}
	body, contentType := buildMultipartBody(t, "alice", "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))

	req := httptest.NewRequest(http.MethodPost, "/verifications/image", body)
	req.Header.Set("Content-Type", contentType)
	resp := serve(newTestRouter(svc), req, buildTestToken(t, "user-1", ""))

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if svc.imageCalls != 0 {
		t.Fatal("expected oversized image not to reach the service")
	}
}

func TestVerifyImageRejectsUnsupportedContentType(t *testing.T) {
	body, contentType := buildMultipartBody(t, "alice", "text/plain", []byte("hello"))

	req := httptest.NewRequest(http.MethodPost, "/verifications/image", body)
	req.Header.Set("Content-Type", contentType)
	resp := serve(newTestRouter(&stubService{}), req, buildTestToken(t, "user-1", ""))

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestVerifyImageNoFace(t *testing.T) {
	svc := &stubService{err: facerecognition.ErrNoFaceDetected}
	body, contentType := buildMultipartBody(t, "alice", "image/jpeg", []byte("jpeg"))

	req := httptest.NewRequest(http.MethodPost, "/verifications/image", body)
	req.Header.Set("Content-Type", contentType)
	resp := serve(newTestRouter(svc), req, buildTestToken(t, "user-1", ""))

	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.Code)
	}
	if svc.imageCalls != 1 {
		t.Fatalf("expected one image verification, got %d", svc.imageCalls)
	}
}

func TestGetResult(t *testing.T) {
	token := buildTestToken(t, "user-1", "")

	svc := &stubService{record: &repository.VerificationRecord{RequestID: "req-1", Identity: "alice", Status: "resolved", IsMatch: true}}
	resp := serve(newTestRouter(svc), httptest.NewRequest(http.MethodGet, "/verifications/req-1", nil), token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = serve(newTestRouter(&stubService{err: fmt.Errorf("%w: record not found", usecase.ErrResultNotFound)}), httptest.NewRequest(http.MethodGet, "/verifications/req-2", nil), token)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	resp = serve(newTestRouter(&stubService{err: errors.New("connection refused")}), httptest.NewRequest(http.MethodGet, "/verifications/req-4", nil), token)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected storage failures to be 500, got %d", resp.Code)
	}

	resp = serve(newTestRouter(&stubService{err: usecase.ErrNoRecordStore}), httptest.NewRequest(http.MethodGet, "/verifications/req-3", nil), token)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestGetResultOfAnotherWalletIsForbidden(t *testing.T) {
	svc := &stubService{record: &repository.VerificationRecord{RequestID: "req-1", Identity: common.HexToAddress(aliceWallet).Hex(), Key: "alice.eaze.eth"}}
	router := newTestRouter(svc)

	resp := serve(router, httptest.NewRequest(http.MethodGet, "/verifications/req-1", nil), buildTestToken(t, "user-1", deezesWallet))
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
	resp = serve(router, httptest.NewRequest(http.MethodGet, "/verifications/req-1", nil), buildTestToken(t, "user-1", aliceWallet))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestIdentityEmbeddingOmitsVector(t *testing.T) {
	svc := &stubService{stored: &identity.StoredIdentity{Key: "alice", Embedding: embedding.Embedding{0.1, 0.2}}}
	resp := serve(newTestRouter(svc), httptest.NewRequest(http.MethodGet, "/identities/alice/embedding", nil), buildTestToken(t, "user-1", ""))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["dimensions"].(float64) != 2 {
		t.Fatalf("unexpected dimensions: %v", body["dimensions"])
	}
	if _, ok := body["embedding"]; ok {
		t.Fatal("the raw embedding must not be exposed")
	}
}

func TestMetricsSummary(t *testing.T) {
	svc := &stubService{summary: &usecase.MetricsSummary{TotalRequests: 3, MatchRate: 0.5}}
	resp := serve(newTestRouter(svc), httptest.NewRequest(http.MethodGet, "/metrics/summary", nil), buildTestToken(t, "user-1", ""))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func buildMultipartBody(t *testing.T, identityKey, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("identity", identityKey); err != nil {
		t.Fatalf("failed to write identity field: %v", err)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject, wallet string) string {
	t.Helper()

	claims := auth.Claims{
		Wallet: wallet,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

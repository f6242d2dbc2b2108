package facerecognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/biowallet/internal/logging"
)

const recognizePath = "/api/v1/recognition/recognize"

// CompreFaceClient calls the CompreFace recognition endpoint.
type CompreFaceClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

type compreFaceResponse struct {
	Result []Face `json:"result"`
}

type compreFaceError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// NewCompreFaceClient builds a client for baseURL. A host without a scheme is
// assumed to be served over https.
func NewCompreFaceClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *CompreFaceClient {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	query := url.Values{}
	query.Set("limit", "0")
	query.Set("det_prob_threshold", "0.8")
	query.Set("prediction_count", "1")
	query.Set("face_plugins", "calculator")
	query.Set("status", "true")

	return &CompreFaceClient{
		endpoint: base + recognizePath + "?" + query.Encode(),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.Named("compreface"),
	}
}

// Recognize uploads the image and returns the detected faces.
func (c *CompreFaceClient) Recognize(ctx context.Context, image []byte) (*Result, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "face.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(image); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("compreface.recognize", "", err)
		c.logger.Error("recognition request failed", zap.Error(wrapped))
		return nil, wrapped
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, logging.NewOperationError("compreface.read_body", "", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr compreFaceError
		_ = json.Unmarshal(raw, &apiErr)
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "no face") {
			return nil, ErrNoFaceDetected
		}
		err := fmt.Errorf("compreface returned %d: %s", resp.StatusCode, strings.TrimSpace(apiErr.Message))
		c.logger.Error("recognition rejected", zap.Int("status", resp.StatusCode), zap.Int("code", apiErr.Code))
		return nil, logging.NewOperationError("compreface.recognize", "", err)
	}

	var decoded compreFaceResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, logging.NewOperationError("compreface.decode", "", err)
	}
	return &Result{Faces: decoded.Result}, nil
}

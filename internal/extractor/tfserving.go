package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/example/cattleid/internal/imaging"
	"github.com/example/cattleid/internal/logging"
)

// TFServing calls a TensorFlow Serving instance over its JSON predict API.
// The model is expected to expose a single pooled feature output per
// instance.
type TFServing struct {
	baseURL string
	model   string
	httpc   *http.Client
	logger  *zap.Logger
}

// NewTFServing builds a client for the named model hosted at baseURL.
// Timeouts are the caller's responsibility via the request context.
func NewTFServing(baseURL, model string, logger *zap.Logger) *TFServing {
	return &TFServing{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpc:   &http.Client{},
		logger:  logger.Named("tfserving"),
	}
}

type predictRequest struct {
	Instances [][][][3]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions [][]float32 `json:"predictions"`
	Error       string      `json:"error,omitempty"`
}

// Extract sends the tensor to the model and returns the raw feature vector.
func (c *TFServing) Extract(ctx context.Context, tensor *imaging.Tensor) ([]float32, error) {
	body, err := json.Marshal(predictRequest{Instances: toInstances(tensor)})
	if err != nil {
		return nil, logging.NewOperationError("tfserving.encode_request", "", err)
	}

	url := fmt.Sprintf("%s/v1/models/%s:predict", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, logging.NewOperationError("tfserving.build_request", "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("tfserving.predict", "", err)
		c.logger.Error("predict call failed", zap.Error(wrapped), zap.String("url", url))
		return nil, wrapped
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, logging.NewOperationError("tfserving.read_response", "", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		wrapped := logging.NewOperationError("tfserving.predict", "", err)
		c.logger.Error("predict call rejected", zap.Error(wrapped), zap.Int("status", resp.StatusCode))
		return nil, wrapped
	}

	var decoded predictResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, logging.NewOperationError("tfserving.decode_response", "", err)
	}
	if decoded.Error != "" {
		return nil, logging.NewOperationError("tfserving.predict", "", fmt.Errorf("model error: %s", decoded.Error))
	}
	if len(decoded.Predictions) == 0 || len(decoded.Predictions[0]) == 0 {
		return nil, logging.NewOperationError("tfserving.predict", "", fmt.Errorf("empty prediction"))
	}

	return decoded.Predictions[0], nil
}

// toInstances reshapes the flat NHWC tensor into the nested row-major
// layout the predict API expects. Only the single batch entry is sent.
func toInstances(tensor *imaging.Tensor) [][][][3]float32 {
	h := tensor.Shape[1]
	w := tensor.Shape[2]

	instance := make([][][3]float32, h)
	for y := 0; y < h; y++ {
		row := make([][3]float32, w)
		for x := 0; x < w; x++ {
			idx := (y*w + x) * 3
			row[x] = [3]float32{tensor.Data[idx], tensor.Data[idx+1], tensor.Data[idx+2]}
		}
		instance[y] = row
	}
	return [][][][3]float32{instance}
}

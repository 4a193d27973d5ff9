package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/example/cattleid/internal/logging"
)

// Pinecone adapts the Store port to Pinecone's data-plane REST API. Only
// the two endpoints this service needs are covered: /vectors/upsert and
// /query.
type Pinecone struct {
	host   string
	apiKey string
	httpc  *http.Client
	logger *zap.Logger
}

// NewPinecone builds an adapter for the index served at host (the
// index-specific endpoint, e.g. https://cattle-faces-xxxx.svc.<region>.pinecone.io).
func NewPinecone(host, apiKey string, logger *zap.Logger) *Pinecone {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return &Pinecone{
		host:   strings.TrimRight(host, "/"),
		apiKey: apiKey,
		httpc:  &http.Client{},
		logger: logger.Named("pinecone"),
	}
}

type pineconeMetadata struct {
	Name string   `json:"name"`
	Lat  *float64 `json:"lat,omitempty"`
	Lon  *float64 `json:"lon,omitempty"`
}

type pineconeVector struct {
	ID       string           `json:"id"`
	Values   []float32        `json:"values"`
	Metadata pineconeMetadata `json:"metadata"`
}

type upsertRequest struct {
	Vectors []pineconeVector `json:"vectors"`
}

type queryRequest struct {
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	IncludeMetadata bool      `json:"includeMetadata"`
}

type queryResponse struct {
	Matches []struct {
		ID       string           `json:"id"`
		Score    float64          `json:"score"`
		Metadata pineconeMetadata `json:"metadata"`
	} `json:"matches"`
}

// Upsert writes the record as a single atomic upsert.
func (p *Pinecone) Upsert(ctx context.Context, rec Record) error {
	payload := upsertRequest{Vectors: []pineconeVector{{
		ID:     rec.ID,
		Values: rec.Vector,
		Metadata: pineconeMetadata{
			Name: rec.Name,
			Lat:  rec.Lat,
			Lon:  rec.Lon,
		},
	}}}

	return p.post(ctx, "/vectors/upsert", payload, nil)
}

// Query returns the topK nearest neighbors with their metadata.
func (p *Pinecone) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	var decoded queryResponse
	err := p.post(ctx, "/query", queryRequest{
		Vector:          vector,
		TopK:            topK,
		IncludeMetadata: true,
	}, &decoded)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(decoded.Matches))
	for _, m := range decoded.Matches {
		matches = append(matches, Match{
			ID:    m.ID,
			Score: m.Score,
			Name:  m.Metadata.Name,
			Lat:   m.Metadata.Lat,
			Lon:   m.Metadata.Lon,
		})
	}
	return matches, nil
}

func (p *Pinecone) post(ctx context.Context, path string, payload, out interface{}) error {
	operation := "pinecone." + strings.Trim(path, "/")

	body, err := json.Marshal(payload)
	if err != nil {
		return logging.NewOperationError(operation, "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+path, bytes.NewReader(body))
	if err != nil {
		return logging.NewOperationError(operation, "", err)
	}
	req.Header.Set("Api-Key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError(operation, "", err)
		p.logger.Error("pinecone call failed", zap.Error(wrapped), zap.String("path", path))
		return wrapped
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return logging.NewOperationError(operation, "", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		wrapped := logging.NewOperationError(operation, "", err)
		p.logger.Error("pinecone call rejected", zap.Error(wrapped), zap.Int("status", resp.StatusCode))
		return wrapped
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return logging.NewOperationError(operation, "", err)
		}
	}
	return nil
}

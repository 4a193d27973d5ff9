// Package usecase orchestrates enrollment, identification, and pairwise
// verification: image normalization, the external feature extractor, the
// external vector index, and the decision policy.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cattleid/internal/decision"
	"github.com/example/cattleid/internal/embedding"
	"github.com/example/cattleid/internal/extractor"
	"github.com/example/cattleid/internal/geo"
	"github.com/example/cattleid/internal/imaging"
	"github.com/example/cattleid/internal/logging"
	"github.com/example/cattleid/internal/repository"
	"github.com/example/cattleid/internal/vectorindex"
)

// ValidationError reports user-correctable input problems, surfaced before
// any expensive computation or external call runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IdentificationRepository defines the audit persistence needed by the use case.
type IdentificationRepository interface {
	SaveLog(ctx context.Context, log *repository.IdentificationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.IdentificationLog, error)
}

// EnrollResult is returned after a successful enrollment.
type EnrollResult struct {
	CowID      string
	CowName    string
	Dimensions int
}

// IdentifyResult is the decision surfaced to the caller. Confidence and
// Distance are nil only when the index returned no candidates; DistanceKM
// is nil whenever geography was not evaluated. CowName is empty on
// REJECTED so a rejection never leaks enrollment data.
type IdentifyResult struct {
	RequestID  string
	Match      bool
	Status     decision.Status
	CowName    string
	Confidence *float64
	Distance   *float64
	DistanceKM *float64
	Message    string
}

// VerifyResult is the outcome of a pairwise comparison.
type VerifyResult struct {
	Match           bool
	SimilarityScore float64
	ThresholdUsed   float64
}

// IdentificationUseCase wires the normalization pipeline to the external
// extractor and index and applies the decision policy.
type IdentificationUseCase struct {
	repo            IdentificationRepository
	cache           Cache
	extractor       extractor.Client
	index           vectorindex.Store
	policy          decision.Policy
	verifyThreshold float64
	logger          *zap.Logger
	retryAttempts   int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
}

// NewIdentificationUseCase constructs a new use case instance.
func NewIdentificationUseCase(
	repo IdentificationRepository,
	cache Cache,
	client extractor.Client,
	index vectorindex.Store,
	policy decision.Policy,
	verifyThreshold float64,
	logger *zap.Logger,
) *IdentificationUseCase {
	return &IdentificationUseCase{
		repo:            repo,
		cache:           cache,
		extractor:       client,
		index:           index,
		policy:          policy,
		verifyThreshold: verifyThreshold,
		logger:          logger.Named("identification_usecase"),
		retryAttempts:   3,
		initialBackoff:  50 * time.Millisecond,
		maxBackoff:      time.Second,
	}
}

// Enroll registers a new identity: normalize, extract, unit-normalize,
// then one atomic upsert into the index. Validation runs before anything
// expensive.
func (uc *IdentificationUseCase) Enroll(ctx context.Context, name string, image []byte, lat, lon *float64) (*EnrollResult, error) {
	if len(image) == 0 {
		return nil, &ValidationError{Field: "image", Reason: "empty file uploaded"}
	}
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, &ValidationError{Field: "cow_name", Reason: "name cannot be empty"}
	}

	cowID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.enroll", cowID)

	vector, err := uc.embed(ctx, cowID, image)
	if err != nil {
		return nil, err
	}

	rec := vectorindex.Record{
		ID:     cowID,
		Vector: vector,
		Name:   trimmed,
		Lat:    lat,
		Lon:    lon,
	}
	if err := uc.index.Upsert(ctx, rec); err != nil {
		wrapped := logging.NewOperationError("usecase.index_upsert", cowID, err)
		opLogger.Error("index upsert failed", zap.Error(wrapped))
		return nil, wrapped
	}

	opLogger.Info("identity enrolled",
		zap.String("cow_name", trimmed),
		zap.Int("dimensions", len(vector)),
		zap.Bool("anchored", lat != nil && lon != nil))

	return &EnrollResult{CowID: cowID, CowName: trimmed, Dimensions: len(vector)}, nil
}

// Identify runs the full pipeline against the index and classifies the
// nearest candidate. Index and extractor failures propagate; they are
// never reported as a REJECTED outcome.
func (uc *IdentificationUseCase) Identify(ctx context.Context, image []byte, lat, lon *float64) (*IdentifyResult, error) {
	if len(image) == 0 {
		return nil, &ValidationError{Field: "image", Reason: "empty file uploaded"}
	}

	started := time.Now()
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.identify", requestID)

	vector, err := uc.embed(ctx, requestID, image)
	if err != nil {
		return nil, err
	}

	matches, err := uc.index.Query(ctx, vector, 1)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.index_query", requestID, err)
		opLogger.Error("index query failed", zap.Error(wrapped))
		return nil, wrapped
	}

	result := uc.classify(requestID, matches, lat, lon)

	if err := uc.recordDecision(ctx, requestID, result); err != nil {
		opLogger.Error("failed to record decision", zap.Error(err))
		return nil, err
	}

	observeDecision(result.Status, time.Since(started))
	opLogger.Info("identification decided",
		zap.String("status", string(result.Status)),
		zap.Bool("match", result.Match))

	return result, nil
}

// Verify compares two images directly; the index is not involved. Raw
// extractor outputs are compared with defensively re-normalizing cosine.
func (uc *IdentificationUseCase) Verify(ctx context.Context, imageA, imageB []byte) (*VerifyResult, error) {
	if len(imageA) == 0 || len(imageB) == 0 {
		return nil, &ValidationError{Field: "image", Reason: "one or both files are empty"}
	}

	requestID := uuid.NewString()

	vecA, err := uc.extractRaw(ctx, requestID, imageA)
	if err != nil {
		return nil, err
	}
	vecB, err := uc.extractRaw(ctx, requestID, imageB)
	if err != nil {
		return nil, err
	}

	similarity, err := embedding.CosineSimilarity(vecA, vecB)
	if err != nil {
		return nil, logging.NewOperationError("usecase.compare_embeddings", requestID, err)
	}

	return &VerifyResult{
		Match:           similarity >= uc.verifyThreshold,
		SimilarityScore: similarity,
		ThresholdUsed:   uc.verifyThreshold,
	}, nil
}

// GetResult replays an audited identification outcome, cache first with a
// postgres fallback.
func (uc *IdentificationUseCase) GetResult(ctx context.Context, requestID string) (*repository.IdentificationLog, error) {
	cacheKey := identifyCacheKey(requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey); err == nil {
		var log repository.IdentificationLog
		if err := json.Unmarshal([]byte(cached), &log); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
		} else {
			return &log, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestID(ctx, requestID)
}

// embed runs normalizer -> extractor -> unit normalization.
func (uc *IdentificationUseCase) embed(ctx context.Context, requestID string, image []byte) ([]float32, error) {
	raw, err := uc.extractRaw(ctx, requestID, image)
	if err != nil {
		return nil, err
	}

	vector, err := embedding.Normalize(raw)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.normalize_embedding", requestID, err)
		logging.WithOperation(uc.logger, "usecase.normalize_embedding", requestID).Error("degenerate extractor output", zap.Error(wrapped))
		return nil, wrapped
	}
	return vector, nil
}

func (uc *IdentificationUseCase) extractRaw(ctx context.Context, requestID string, image []byte) ([]float32, error) {
	tensor, err := imaging.Normalize(image)
	if err != nil {
		return nil, err
	}

	raw, err := uc.extractor.Extract(ctx, tensor)
	if err != nil {
		extractorFailures.Inc()
		wrapped := logging.NewOperationError("usecase.extract_features", requestID, err)
		logging.WithOperation(uc.logger, "usecase.extract_features", requestID).Error("feature extraction failed", zap.Error(wrapped))
		return nil, wrapped
	}
	return raw, nil
}

// classify applies the decision policy to the query result and shapes the
// caller-facing outcome, preserving the distance = 1 - similarity
// reporting convention.
func (uc *IdentificationUseCase) classify(requestID string, matches []vectorindex.Match, lat, lon *float64) *IdentifyResult {
	if len(matches) == 0 {
		return &IdentifyResult{
			RequestID: requestID,
			Match:     false,
			Status:    decision.StatusRejected,
			Message:   "No results from database",
		}
	}

	candidate := matches[0]
	confidence := candidate.Score * 100
	reportedDistance := 1 - candidate.Score

	var distanceKM *float64
	if lat != nil && lon != nil && candidate.Lat != nil && candidate.Lon != nil {
		d := geo.Haversine(*lat, *lon, *candidate.Lat, *candidate.Lon)
		distanceKM = &d
	}

	dec := uc.policy.Classify(confidence, distanceKM)

	result := &IdentifyResult{
		RequestID:  requestID,
		Status:     dec.Status,
		Confidence: &confidence,
		Distance:   &reportedDistance,
		DistanceKM: dec.DistanceKM,
	}

	switch dec.Status {
	case decision.StatusApproved:
		result.Match = true
		result.CowName = candidate.Name
		result.Message = "Strong match"
	case decision.StatusManualReview:
		result.Match = true
		result.CowName = candidate.Name
		result.Message = "Potential match, verify visually"
	case decision.StatusLocationMismatch:
		result.Match = false
		result.CowName = candidate.Name
		result.Message = fmt.Sprintf("Muzzle matches, but reported location is too far (%.1f km)", *dec.DistanceKM)
	default:
		// A low-confidence rejection discloses the score for audit but
		// not the candidate's identity, and geography is never reported
		// for a muzzle that did not match.
		result.Match = false
		result.DistanceKM = nil
		result.Message = "No match found"
	}

	return result
}

// recordDecision writes the audit row and caches the outcome for the
// result endpoint.
func (uc *IdentificationUseCase) recordDecision(ctx context.Context, requestID string, result *IdentifyResult) error {
	log := &repository.IdentificationLog{
		RequestID:  requestID,
		Status:     string(result.Status),
		CowName:    result.CowName,
		Confidence: result.Confidence,
		DistanceKM: result.DistanceKM,
		Message:    result.Message,
		CreatedAt:  time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		return logging.NewOperationError("usecase.save_log", requestID, err)
	}

	serialized, err := json.Marshal(log)
	if err != nil {
		return logging.NewOperationError("usecase.encode_result", requestID, err)
	}

	return uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, identifyCacheKey(requestID), string(serialized), 5*time.Minute)
	})
}

func identifyCacheKey(requestID string) string {
	return fmt.Sprintf("identify:%s", requestID)
}

func (uc *IdentificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		// A cache miss is an outcome, not a failure: no retry, no error log.
		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, requestID, err)
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *IdentificationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}

// Package handlers wires the HTTP surface to the identification use case.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/cattleid/internal/embedding"
	"github.com/example/cattleid/internal/imaging"
	"github.com/example/cattleid/internal/logging"
	"github.com/example/cattleid/internal/usecase"
)

// MaxUploadSize bounds a single uploaded image.
const MaxUploadSize = 10 << 20

// Health describes the wiring reported by the health endpoint.
type Health struct {
	ExtractorConfigured bool
	IndexBackend        string
}

// RegisterRoutes wires the HTTP handlers to the gin router. Mutating
// routes sit behind the auth middleware.
func RegisterRoutes(router *gin.Engine, uc *usecase.IdentificationUseCase, authMiddleware gin.HandlerFunc, health Health) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Cattle Muzzle Biometric API",
			"status":  "online",
			"endpoints": gin.H{
				"register": "POST /register - Register a new cattle muzzle",
				"verify":   "POST /verify - Verify cattle identity from two images",
				"identify": "POST /identify - Identify cattle from the index",
				"result":   "GET /result/:id - Replay an audited decision",
			},
		})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":               "healthy",
			"extractor_configured": health.ExtractorConfigured,
			"index_backend":        health.IndexBackend,
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/", authMiddleware)
	protected.POST("/register", registerHandler(uc))
	protected.POST("/identify", identifyHandler(uc))
	protected.POST("/verify", verifyHandler(uc))
	protected.GET("/result/:id", resultHandler(uc))
}

func registerHandler(uc *usecase.IdentificationUseCase) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, ok := readUpload(c, "file")
		if !ok {
			return
		}

		lat, ok := optionalFloat(c, "latitude")
		if !ok {
			return
		}
		lon, ok := optionalFloat(c, "longitude")
		if !ok {
			return
		}

		result, err := uc.Enroll(c.Request.Context(), c.PostForm("cow_name"), data, lat, lon)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":            "saved",
			"cow_id":            result.CowID,
			"cow_name":          result.CowName,
			"vector_dimensions": result.Dimensions,
		})
	}
}

type identifyResponse struct {
	RequestID  string   `json:"request_id"`
	Match      bool     `json:"match"`
	Status     string   `json:"status"`
	CowName    string   `json:"cow_name,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Distance   *float64 `json:"distance,omitempty"`
	DistanceKM *float64 `json:"distance_km,omitempty"`
	Message    string   `json:"message"`
}

func identifyHandler(uc *usecase.IdentificationUseCase) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, ok := readUpload(c, "file")
		if !ok {
			return
		}

		lat, ok := optionalFloat(c, "current_lat")
		if !ok {
			return
		}
		lon, ok := optionalFloat(c, "current_lon")
		if !ok {
			return
		}

		result, err := uc.Identify(c.Request.Context(), data, lat, lon)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, identifyResponse{
			RequestID:  result.RequestID,
			Match:      result.Match,
			Status:     string(result.Status),
			CowName:    result.CowName,
			Confidence: result.Confidence,
			Distance:   result.Distance,
			DistanceKM: result.DistanceKM,
			Message:    result.Message,
		})
	}
}

func verifyHandler(uc *usecase.IdentificationUseCase) gin.HandlerFunc {
	return func(c *gin.Context) {
		imageA, ok := readUpload(c, "image_a")
		if !ok {
			return
		}
		imageB, ok := readUpload(c, "image_b")
		if !ok {
			return
		}

		result, err := uc.Verify(c.Request.Context(), imageA, imageB)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"match":            result.Match,
			"similarity_score": result.SimilarityScore,
			"threshold_used":   result.ThresholdUsed,
		})
	}
}

func resultHandler(uc *usecase.IdentificationUseCase) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.Param("id")

		log, err := uc.GetResult(c.Request.Context(), requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}

		response := gin.H{
			"request_id": log.RequestID,
			"status":     log.Status,
			"message":    log.Message,
			"created_at": log.CreatedAt,
		}
		if log.CowName != "" {
			response["cow_name"] = log.CowName
		}
		if log.Confidence != nil {
			response["confidence"] = *log.Confidence
		}
		if log.DistanceKM != nil {
			response["distance_km"] = *log.DistanceKM
		}
		c.JSON(http.StatusOK, response)
	}
}

// readUpload fetches one multipart image field, enforcing the size bound
// and a light content-type check. It writes the error response itself and
// reports success through the second return value.
func readUpload(c *gin.Context, field string) ([]byte, bool) {
	file, err := c.FormFile(field)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": field + " file is required"})
		return nil, false
	}

	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "uploaded file exceeds size limit"})
		return nil, false
	}

	declared := file.Header.Get("Content-Type")
	if declared != "" && declared != "application/octet-stream" && !strings.HasPrefix(declared, "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "uploaded file must be an image"})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open " + field})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read " + field})
		return nil, false
	}
	if len(data) > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "uploaded file exceeds size limit"})
		return nil, false
	}

	return data, true
}

func optionalFloat(c *gin.Context, field string) (*float64, bool) {
	raw := strings.TrimSpace(c.PostForm(field))
	if raw == "" {
		return nil, true
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": field + " must be a number"})
		return nil, false
	}
	return &value, true
}

// writeError maps the error taxonomy to HTTP statuses. Collaborator
// failures surface as 502 so an unreachable extractor or index is never
// mistaken for a domain rejection.
func writeError(c *gin.Context, err error) {
	var validationErr *usecase.ValidationError
	var decodeErr *imaging.DecodeError
	var dimensionErr *embedding.DimensionMismatchError
	var opErr *logging.OperationError

	switch {
	case errors.As(err, &validationErr),
		errors.Is(err, imaging.ErrEmptyImage),
		errors.Is(err, imaging.ErrUnsupportedImageFormat),
		errors.As(err, &decodeErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, embedding.ErrDegenerateEmbedding),
		errors.As(err, &dimensionErr):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case errors.As(err, &opErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

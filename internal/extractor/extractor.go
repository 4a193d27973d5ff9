// Package extractor defines the port to the external feature-extraction
// model and its TensorFlow Serving adapter.
package extractor

import (
	"context"

	"github.com/example/cattleid/internal/imaging"
)

// Client exposes the single feature-extraction call used by the
// identification flow. Implementations must be deterministic for identical
// input; the output dimensionality is fixed for the lifetime of the
// deployment.
type Client interface {
	Extract(ctx context.Context, tensor *imaging.Tensor) ([]float32, error)
}

// Package thresholds loads per-application metric floors and compares
// evaluation scores against them.
package thresholds

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/evalflow/pkg/models"
)

var ErrThresholdsNotFound = errors.New("thresholds not found")

// Store returns the threshold set configured for an application.
type Store interface {
	Get(ctx context.Context, application string) (models.ThresholdSet, error)
}

// Key is the parameter name the thresholds of application are stored under.
func Key(application string) string {
	return fmt.Sprintf("/AppGenAIEvalThresholdMetrics/%s/threshold", application)
}

package hybrid

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoObservations means the store held no usable rows at all.
	ErrNoObservations = errors.New("hybrid: no usable observations")
	// ErrNoTrainableLocations means every location was skipped during
	// seasonal fitting.
	ErrNoTrainableLocations = errors.New("hybrid: no location produced a trainable series")
	// ErrEmptyFeatureMatrix means the pooled feature build produced no
	// rows even after the inference-mode recovery pass.
	ErrEmptyFeatureMatrix = errors.New("hybrid: feature build yielded no rows")
)

// SkipError marks one location dropped from a training run. It is logged
// and counted, never fatal on its own.
type SkipError struct {
	Location string
	Reason   string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("skipping %s: %s", e.Location, e.Reason)
}

// AlignmentError reports seasonal output that could not be matched by date:
// an in-sample fit whose dates join onto none of the location's rows, or a
// forecast slice whose dates disagree with the requested targets.
type AlignmentError struct {
	Location string
	Detail   string
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("%s: seasonal alignment failed: %s", e.Location, e.Detail)
}

// FeatureContractError reports feature names the corrector was trained on
// that the incoming matrix does not provide. Predicting with a padded or
// reordered feature set silently corrupts results, so this is always fatal.
type FeatureContractError struct {
	Missing []string
}

func (e *FeatureContractError) Error() string {
	return fmt.Sprintf("feature matrix is missing corrector columns: %s", strings.Join(e.Missing, ", "))
}

package pyramid

import (
	"fmt"
	"math"
)

// DefaultGrowthFactor is the size ratio between neighbouring levels.
const DefaultGrowthFactor = 4.0

// PlanLevels returns strictly increasing target sizes, coarsest first,
// starting at minPoints and multiplying by growth while the size stays below
// totalPoints. A dataset of at most minPoints rows gets no levels; its raw
// data is served at every zoom.
func PlanLevels(minPoints, totalPoints int, growth float64) ([]int, error) {
	if minPoints <= 0 {
		return nil, fmt.Errorf("%w: min_points=%d", ErrInvalidPlan, minPoints)
	}
	if !(growth > 1) || math.IsInf(growth, 0) {
		return nil, fmt.Errorf("%w: growth_factor=%g", ErrInvalidPlan, growth)
	}
	if totalPoints <= minPoints {
		return nil, nil
	}

	var sizes []int
	for size := minPoints; size < totalPoints; {
		sizes = append(sizes, size)
		next := math.Ceil(float64(size) * growth)
		if next >= float64(totalPoints) {
			break
		}
		n := int(next)
		if n <= size {
			n = size + 1
		}
		size = n
	}
	return sizes, nil
}

package pipeline

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
	"github.com/geotrail/gtrd/storage"
)

func TestHaversine(t *testing.T) {
	testCases := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		expected               float64 // meters
		tolerance              float64
	}{
		{"SamePoint", 47.5, 19.05, 47.5, 19.05, 0, 0.001},
		{"OneDegreeLatitude", 0, 0, 1, 0, 111195, 10},
		{"BudapestToVienna", 47.4979, 19.0402, 48.2082, 16.3738, 214000, 2000},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(test *testing.T) {
			actual := Haversine(testCase.lat1, testCase.lon1, testCase.lat2, testCase.lon2)
			if math.Abs(actual-testCase.expected) > testCase.tolerance {
				test.Errorf("Wrong distance! Expected: %f Actual: %f", testCase.expected, actual)
			}
		})
	}
}

func TestDistanceAccumulation(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	handler := NewDistanceHandler(store, &config.SessionConfig{MotionThreshold: 3})

	base := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

	first := validPosition(1, base)
	first.Speed = 10
	if runNext(handler, ctx, first) {
		t.Fatalf("Distance handler must never drop positions")
	}
	if first.GetFloat(model.KeyDistance) != 0 {
		t.Errorf("First position must have zero distance, got %f", first.GetFloat(model.KeyDistance))
	}
	if !first.GetBool(model.KeyMotion) {
		t.Errorf("Speed above threshold must set motion")
	}
	if _, err := store.AddPosition(ctx, first); err != nil {
		t.Fatalf("Cannot store position: %v", err)
	}

	second := validPosition(1, base.Add(time.Minute))
	second.Latitude = 47.51 // roughly 1.1 km north
	runNext(handler, ctx, second)

	distance := second.GetFloat(model.KeyDistance)
	if math.Abs(distance-1112) > 15 {
		t.Errorf("Wrong incremental distance: %f", distance)
	}
	total := second.GetFloat(model.KeyTotalDistance)
	if total != distance {
		t.Errorf("Odometer must accumulate from zero, got %f", total)
	}
	if second.GetBool(model.KeyMotion) {
		t.Errorf("Zero speed must not set motion")
	}
	if _, err := store.AddPosition(ctx, second); err != nil {
		t.Fatalf("Cannot store position: %v", err)
	}

	third := validPosition(1, base.Add(2*time.Minute))
	third.Latitude = 47.52
	runNext(handler, ctx, third)
	if third.GetFloat(model.KeyTotalDistance) <= total {
		t.Errorf("Odometer must be monotonic")
	}
}

func runNext(handler Handler, ctx context.Context, position *model.Position) bool {
	dropped := false
	handler.Handle(ctx, position, func(filtered bool) {
		dropped = filtered
	})
	return dropped
}

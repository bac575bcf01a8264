package pipeline

import (
	"context"
	"math"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
	"github.com/geotrail/gtrd/storage"
)

const earthRadiusMeters = 6371000

// DistanceHandler derives the incremental great circle distance from the
// previous accepted position, accumulates the per device odometer and sets
// the motion flag from the configured speed threshold.
type DistanceHandler struct {
	store           storage.Storage
	motionThreshold float64
}

func NewDistanceHandler(store storage.Storage, cfg *config.SessionConfig) *DistanceHandler {
	return &DistanceHandler{
		store:           store,
		motionThreshold: cfg.MotionThreshold,
	}
}

func (h *DistanceHandler) Name() string {
	return "distance"
}

func (h *DistanceHandler) Handle(ctx context.Context, position *model.Position, next func(filtered bool)) {
	last, err := h.store.GetLastPosition(ctx, position.DeviceId)
	if err != nil {
		config.GetLogger(ctx).Warnf("Last position lookup failed for device %d: %v",
			position.DeviceId, err)
	}

	distance := 0.0
	total := 0.0
	if last != nil {
		distance = Haversine(last.Latitude, last.Longitude, position.Latitude, position.Longitude)
		total = last.GetFloat(model.KeyTotalDistance)
	}
	position.Set(model.KeyDistance, distance)
	position.Set(model.KeyTotalDistance, total+distance)
	position.Set(model.KeyMotion, position.Speed > h.motionThreshold)
	next(false)
}

// Haversine returns the great circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

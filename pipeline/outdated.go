package pipeline

import (
	"context"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
	"github.com/geotrail/gtrd/storage"
)

// OutdatedHandler fills positions that carry no real fix with the last
// known coordinates of the device, or with the epoch sentinel when the
// device has never reported.
type OutdatedHandler struct {
	store storage.Storage
}

func NewOutdatedHandler(store storage.Storage) *OutdatedHandler {
	return &OutdatedHandler{store: store}
}

func (h *OutdatedHandler) Name() string {
	return "outdated"
}

func (h *OutdatedHandler) Handle(ctx context.Context, position *model.Position, next func(filtered bool)) {
	if !position.Outdated {
		next(false)
		return
	}

	last, err := h.store.GetLastPosition(ctx, position.DeviceId)
	if err != nil {
		config.GetLogger(ctx).Warnf("Last position lookup failed for device %d: %v",
			position.DeviceId, err)
	}
	if last != nil {
		position.Latitude = last.Latitude
		position.Longitude = last.Longitude
		position.Altitude = last.Altitude
		position.Speed = last.Speed
		position.Course = last.Course
		position.Accuracy = last.Accuracy
	} else {
		position.Latitude = 0
		position.Longitude = 0
	}
	position.Valid = false
	next(false)
}

package pipeline

import (
	"context"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
	"github.com/geotrail/gtrd/storage"
)

// Broadcaster fans a processed position out to live listeners.
type Broadcaster interface {
	NotifyPosition(position *model.Position)
}

// StateTracker derives motion and overspeed events from processed
// positions.
type StateTracker interface {
	UpdateDeviceState(ctx context.Context, position *model.Position)
}

// PostProcessHandler promotes the position to the device's latest and
// broadcasts it. Offline batches replay with old fix times, so a position
// older than the current latest is neither promoted nor broadcast. A
// position that failed persistence is still broadcast but never becomes
// the latest pointer.
type PostProcessHandler struct {
	store       storage.Storage
	broadcaster Broadcaster
	tracker     StateTracker
}

func NewPostProcessHandler(store storage.Storage, broadcaster Broadcaster, tracker StateTracker) *PostProcessHandler {
	return &PostProcessHandler{
		store:       store,
		broadcaster: broadcaster,
		tracker:     tracker,
	}
}

func (h *PostProcessHandler) Name() string {
	return "postprocess"
}

func (h *PostProcessHandler) Handle(ctx context.Context, position *model.Position, next func(filtered bool)) {
	log := config.GetLogger(ctx)

	latest := true
	last, err := h.store.GetLastPosition(ctx, position.DeviceId)
	if err != nil {
		log.Warnf("Last position lookup failed for device %d: %v", position.DeviceId, err)
	} else if last != nil && last.Id != position.Id && position.FixTime.Before(last.FixTime) {
		latest = false
		log.Debugf("Position %d of device %d is older than the latest, not promoted",
			position.Id, position.DeviceId)
	}

	if latest && position.Id != 0 {
		if err := h.store.UpdateDeviceLastPosition(ctx, position.DeviceId, position.Id); err != nil {
			log.Errorf("Failed to update latest position of device %d: %v",
				position.DeviceId, err)
		}
		if h.tracker != nil {
			h.tracker.UpdateDeviceState(ctx, position)
		}
	}
	if latest && h.broadcaster != nil {
		h.broadcaster.NotifyPosition(position)
	}
	next(false)
}

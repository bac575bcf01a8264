package pipeline

import (
	"context"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
	"github.com/geotrail/gtrd/storage"
)

// GeofenceHandler attaches the current geofence membership set and emits
// enter and exit events against the previous membership.
type GeofenceHandler struct {
	store storage.Storage
}

func NewGeofenceHandler(store storage.Storage) *GeofenceHandler {
	return &GeofenceHandler{store: store}
}

func (h *GeofenceHandler) Name() string {
	return "geofence"
}

func (h *GeofenceHandler) Handle(ctx context.Context, position *model.Position, next func(filtered bool)) {
	log := config.GetLogger(ctx)

	geofences, err := h.store.GetGeofences(ctx)
	if err != nil {
		log.Warnf("Geofence lookup failed: %v", err)
		next(false)
		return
	}

	var current []int64
	for _, geofence := range geofences {
		meters := Haversine(geofence.Latitude, geofence.Longitude, position.Latitude, position.Longitude)
		if meters <= geofence.Radius {
			current = append(current, geofence.Id)
		}
	}
	if len(current) > 0 {
		position.Set(model.KeyGeofenceIds, current)
	}

	last, err := h.store.GetLastPosition(ctx, position.DeviceId)
	if err != nil || last == nil {
		next(false)
		return
	}
	previous := geofenceIds(last)

	for _, id := range current {
		if !containsId(previous, id) {
			h.emit(ctx, model.EventGeofenceEnter, position, id)
		}
	}
	for _, id := range previous {
		if !containsId(current, id) {
			h.emit(ctx, model.EventGeofenceExit, position, id)
		}
	}
	next(false)
}

func (h *GeofenceHandler) emit(ctx context.Context, eventType string, position *model.Position, geofenceId int64) {
	event := model.NewEvent(eventType, position.DeviceId)
	event.EventTime = position.FixTime
	event.Attributes = map[string]interface{}{"geofenceId": geofenceId}
	if err := h.store.AddEvent(ctx, event); err != nil {
		config.GetLogger(ctx).Errorf("Failed to store %s event for device %d: %v",
			eventType, position.DeviceId, err)
	}
}

func geofenceIds(position *model.Position) []int64 {
	switch value := position.Attributes[model.KeyGeofenceIds].(type) {
	case []int64:
		return value
	case []interface{}:
		ids := make([]int64, 0, len(value))
		for _, v := range value {
			if id, ok := v.(int64); ok {
				ids = append(ids, id)
			} else if id, ok := v.(float64); ok {
				ids = append(ids, int64(id))
			}
		}
		return ids
	}
	return nil
}

func containsId(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

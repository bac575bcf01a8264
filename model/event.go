package model

import "time"

const (
	EventDeviceOnline    = "deviceOnline"
	EventDeviceUnknown   = "deviceUnknown"
	EventDeviceOffline   = "deviceOffline"
	EventDeviceMoving    = "deviceMoving"
	EventDeviceStopped   = "deviceStopped"
	EventDeviceOverspeed = "deviceOverspeed"
	EventGeofenceEnter   = "geofenceEnter"
	EventGeofenceExit    = "geofenceExit"
	EventDriverChanged   = "driverChanged"
)

type Event struct {
	Type       string
	DeviceId   int64
	PositionId int64
	EventTime  time.Time
	Attributes map[string]interface{}
}

func NewEvent(eventType string, deviceId int64) *Event {
	return &Event{
		Type:      eventType,
		DeviceId:  deviceId,
		EventTime: time.Now().UTC(),
	}
}

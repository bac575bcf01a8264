package session

import (
	"context"

	"github.com/geotrail/gtrd/gtr9"
	"github.com/geotrail/gtrd/model"
)

// DeviceSession is the live binding between a device identity and its
// current network connection.
type DeviceSession struct {
	DeviceId int64
	UniqueId string
	Protocol string
	conn     gtr9.ClientConn
}

func (s *DeviceSession) Send(data []byte) error {
	return s.conn.Send(data)
}

func (s *DeviceSession) Endpoint() string {
	return s.conn.Key()
}

// UpdateListener receives live updates for devices owned by the users it
// subscribed with. Implementations must not block.
type UpdateListener interface {
	OnDeviceUpdate(device *model.Device)
	OnPositionUpdate(position *model.Position)
	OnEventUpdate(event *model.Event)
}

// NotificationSink is the fire-and-forget notification collaborator.
// Failures are logged by the caller and never propagate back.
type NotificationSink interface {
	OnEvent(ctx context.Context, event *model.Event, position *model.Position)
}

// DeviceState tracks derived motion and overspeed state between
// positions, used when a silent device is demoted and its state has to be
// recomputed from the last known position.
type DeviceState struct {
	Motion    bool
	Overspeed bool
}

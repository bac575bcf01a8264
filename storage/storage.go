package storage

import (
	"context"

	"github.com/geotrail/gtrd/model"
)

// Storage is the persistence contract the processing core depends on.
// Implementations guarantee single-record atomicity and nothing more.
type Storage interface {
	AddPosition(ctx context.Context, position *model.Position) (int64, error)
	GetLastPosition(ctx context.Context, deviceId int64) (*model.Position, error)
	UpdateDeviceLastPosition(ctx context.Context, deviceId int64, positionId int64) error

	GetDeviceByUniqueId(ctx context.Context, uniqueId string) (*model.Device, error)
	GetDeviceById(ctx context.Context, deviceId int64) (*model.Device, error)
	AddDevice(ctx context.Context, device *model.Device) (int64, error)
	UpdateDeviceStatus(ctx context.Context, device *model.Device) error

	GetGeofences(ctx context.Context) ([]*model.Geofence, error)
	AddEvent(ctx context.Context, event *model.Event) error

	Close(ctx context.Context) error
}

package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/geotrail/gtrd/model"
)

// MemoryStorage keeps everything in process memory. Used by tests and by
// standalone deployments that only need live tracking.
type MemoryStorage struct {
	mutex sync.RWMutex

	nextPositionId int64
	nextDeviceId   int64

	positions     map[int64]*model.Position
	lastPositions map[int64]*model.Position
	devices       map[int64]*model.Device
	devicesByUid  map[string]*model.Device
	geofences     []*model.Geofence
	events        []*model.Event
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		nextPositionId: 1,
		nextDeviceId:   1,
		positions:      make(map[int64]*model.Position),
		lastPositions:  make(map[int64]*model.Position),
		devices:        make(map[int64]*model.Device),
		devicesByUid:   make(map[string]*model.Device),
	}
}

func (s *MemoryStorage) AddPosition(ctx context.Context, position *model.Position) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	position.Id = s.nextPositionId
	s.nextPositionId++
	s.positions[position.Id] = position

	last := s.lastPositions[position.DeviceId]
	if last == nil || !position.FixTime.Before(last.FixTime) {
		s.lastPositions[position.DeviceId] = position
	}

	return position.Id, nil
}

func (s *MemoryStorage) GetLastPosition(ctx context.Context, deviceId int64) (*model.Position, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.lastPositions[deviceId], nil
}

func (s *MemoryStorage) UpdateDeviceLastPosition(ctx context.Context, deviceId int64, positionId int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	device, ok := s.devices[deviceId]
	if !ok {
		return fmt.Errorf("device %d not found", deviceId)
	}
	device.PositionId = positionId
	return nil
}

func (s *MemoryStorage) GetDeviceByUniqueId(ctx context.Context, uniqueId string) (*model.Device, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.devicesByUid[uniqueId], nil
}

func (s *MemoryStorage) GetDeviceById(ctx context.Context, deviceId int64) (*model.Device, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.devices[deviceId], nil
}

func (s *MemoryStorage) AddDevice(ctx context.Context, device *model.Device) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.devicesByUid[device.UniqueId]; ok {
		return 0, fmt.Errorf("device %s already exists", device.UniqueId)
	}

	device.Id = s.nextDeviceId
	s.nextDeviceId++
	s.devices[device.Id] = device
	s.devicesByUid[device.UniqueId] = device
	return device.Id, nil
}

func (s *MemoryStorage) UpdateDeviceStatus(ctx context.Context, device *model.Device) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, ok := s.devices[device.Id]
	if !ok {
		return fmt.Errorf("device %d not found", device.Id)
	}
	stored.Status = device.Status
	stored.LastUpdate = device.LastUpdate
	stored.TotalDistance = device.TotalDistance
	return nil
}

func (s *MemoryStorage) GetGeofences(ctx context.Context) ([]*model.Geofence, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return append([]*model.Geofence(nil), s.geofences...), nil
}

func (s *MemoryStorage) AddGeofence(geofence *model.Geofence) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.geofences = append(s.geofences, geofence)
}

func (s *MemoryStorage) AddEvent(ctx context.Context, event *model.Event) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.events = append(s.events, event)
	return nil
}

// Events returns a snapshot of recorded events, oldest first.
func (s *MemoryStorage) Events() []*model.Event {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return append([]*model.Event(nil), s.events...)
}

func (s *MemoryStorage) Close(ctx context.Context) error {
	return nil
}

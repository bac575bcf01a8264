package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
	"github.com/geotrail/gtrd/storage"
	"github.com/sirupsen/logrus"
)

func testContext() context.Context {
	log := logrus.New()
	log.SetLevel(logrus.TraceLevel)
	cfg := config.NewConfig(log, nil, nil, nil, nil, nil, nil, nil, nil, nil)
	return context.WithValue(context.Background(), config.ContextConfigKey, cfg)
}

type testConn struct {
	key  string
	lock sync.Mutex
	sent [][]byte
}

func (c *testConn) Send(data []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *testConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5023}
}

func (c *testConn) Key() string {
	return c.key
}

func (c *testConn) sentMessages() [][]byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([][]byte(nil), c.sent...)
}

func eventsOfType(events []*model.Event, eventType string) []*model.Event {
	var matched []*model.Event
	for _, event := range events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func TestResolveKnownDevice(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	_, err := store.AddDevice(ctx, &model.Device{UniqueId: "1302055", Name: "truck", Status: model.StatusOffline})
	if err != nil {
		t.Fatalf("Failed to add device. %v", err)
	}

	cfg := &config.SessionConfig{Timeout: time.Minute}
	registry := NewRegistry(ctx, cfg, false, store, nil)
	defer registry.Stop()

	conn := &testConn{key: "tcp:127.0.0.1:5023"}
	device, err := registry.ResolveDevice(ctx, conn, "gtr9", "1302055")
	if err != nil {
		t.Fatalf("Resolve failed. %v", err)
	}
	if device.Status != model.StatusOnline {
		t.Errorf("Wrong status! Expected: %s Actual: %s", model.StatusOnline, device.Status)
	}

	session, online := registry.GetSession(device.Id)
	if !online {
		t.Fatal("Expected a live session")
	}
	if session.Endpoint() != conn.Key() {
		t.Errorf("Wrong endpoint! Expected: %s Actual: %s", conn.Key(), session.Endpoint())
	}

	online1 := eventsOfType(store.Events(), model.EventDeviceOnline)
	if len(online1) != 1 {
		t.Errorf("Expected exactly 1 online event, got %d", len(online1))
	}

	// A second message on the same connection must not emit another event.
	_, err = registry.ResolveDevice(ctx, conn, "gtr9", "1302055")
	if err != nil {
		t.Fatalf("Second resolve failed. %v", err)
	}
	online2 := eventsOfType(store.Events(), model.EventDeviceOnline)
	if len(online2) != 1 {
		t.Errorf("Expected still 1 online event, got %d", len(online2))
	}
}

func TestResolveUnknownDevice(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	cfg := &config.SessionConfig{Timeout: time.Minute}

	registry := NewRegistry(ctx, cfg, false, store, nil)
	defer registry.Stop()

	conn := &testConn{key: "tcp:127.0.0.1:5023"}
	_, err := registry.ResolveDevice(ctx, conn, "gtr9", "1309999")
	if err == nil {
		t.Errorf("Expected unknown device error")
	}
	if len(store.Events()) != 0 {
		t.Errorf("Expected no events for rejected device")
	}
}

func TestResolveRegistersUnknownDevice(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	cfg := &config.SessionConfig{Timeout: time.Minute}

	registry := NewRegistry(ctx, cfg, true, store, nil)
	defer registry.Stop()

	conn := &testConn{key: "tcp:127.0.0.1:5023"}
	device, err := registry.ResolveDevice(ctx, conn, "gtr9", "1309999")
	if err != nil {
		t.Fatalf("Resolve failed. %v", err)
	}
	if device.Id == 0 {
		t.Errorf("Expected registered device to get an id")
	}
	if device.UniqueId != "1309999" {
		t.Errorf("Wrong unique id! Expected: 1309999 Actual: %s", device.UniqueId)
	}
}

// A silent device is demoted to unknown exactly once.
func TestSessionTimeoutSingleTransition(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	_, err := store.AddDevice(ctx, &model.Device{UniqueId: "1302055", Status: model.StatusOffline})
	if err != nil {
		t.Fatalf("Failed to add device. %v", err)
	}

	cfg := &config.SessionConfig{Timeout: 50 * time.Millisecond}
	registry := NewRegistry(ctx, cfg, false, store, nil)
	defer registry.Stop()

	conn := &testConn{key: "tcp:127.0.0.1:5023"}
	device, err := registry.ResolveDevice(ctx, conn, "gtr9", "1302055")
	if err != nil {
		t.Fatalf("Resolve failed. %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	stored, err := store.GetDeviceById(ctx, device.Id)
	if err != nil || stored == nil {
		t.Fatalf("Device lookup failed. %v", err)
	}
	if stored.Status != model.StatusUnknown {
		t.Errorf("Wrong status! Expected: %s Actual: %s", model.StatusUnknown, stored.Status)
	}

	unknown := eventsOfType(store.Events(), model.EventDeviceUnknown)
	if len(unknown) != 1 {
		t.Errorf("Expected exactly 1 unknown event, got %d", len(unknown))
	}
}

func TestDisconnectForcesOffline(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	_, err := store.AddDevice(ctx, &model.Device{UniqueId: "1302055", Status: model.StatusOffline})
	if err != nil {
		t.Fatalf("Failed to add device. %v", err)
	}

	cfg := &config.SessionConfig{Timeout: time.Hour}
	registry := NewRegistry(ctx, cfg, false, store, nil)
	defer registry.Stop()

	conn := &testConn{key: "tcp:127.0.0.1:5023"}
	device, err := registry.ResolveDevice(ctx, conn, "gtr9", "1302055")
	if err != nil {
		t.Fatalf("Resolve failed. %v", err)
	}

	registry.DeviceDisconnected(ctx, conn)

	stored, err := store.GetDeviceById(ctx, device.Id)
	if err != nil || stored == nil {
		t.Fatalf("Device lookup failed. %v", err)
	}
	if stored.Status != model.StatusOffline {
		t.Errorf("Wrong status! Expected: %s Actual: %s", model.StatusOffline, stored.Status)
	}
	if _, online := registry.GetSession(device.Id); online {
		t.Errorf("Expected session to be removed")
	}

	offline := eventsOfType(store.Events(), model.EventDeviceOffline)
	if len(offline) != 1 {
		t.Errorf("Expected exactly 1 offline event, got %d", len(offline))
	}
}

type countingStore struct {
	storage.Storage
	lock         sync.Mutex
	statusWrites int
}

func (s *countingStore) UpdateDeviceStatus(ctx context.Context, device *model.Device) error {
	s.lock.Lock()
	s.statusWrites++
	s.lock.Unlock()
	return s.Storage.UpdateDeviceStatus(ctx, device)
}

func (s *countingStore) writes() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.statusWrites
}

// Every decoded message resolves the device, but only a status transition
// is worth a storage write.
func TestStatusPersistedOnlyOnTransition(t *testing.T) {
	ctx := testContext()
	memory := storage.NewMemoryStorage()
	_, err := memory.AddDevice(ctx, &model.Device{UniqueId: "1302055", Status: model.StatusOffline})
	if err != nil {
		t.Fatalf("Failed to add device. %v", err)
	}
	store := &countingStore{Storage: memory}

	cfg := &config.SessionConfig{Timeout: time.Hour}
	registry := NewRegistry(ctx, cfg, false, store, nil)
	defer registry.Stop()

	conn := &testConn{key: "tcp:127.0.0.1:5023"}
	for i := 0; i < 5; i++ {
		if _, err := registry.ResolveDevice(ctx, conn, "gtr9", "1302055"); err != nil {
			t.Fatalf("Resolve %d failed. %v", i, err)
		}
	}

	if store.writes() != 1 {
		t.Errorf("Expected 1 status write for 5 messages, got %d", store.writes())
	}
}

func TestUpdateDeviceStateEvents(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	_, err := store.AddDevice(ctx, &model.Device{UniqueId: "1302055", Status: model.StatusOffline})
	if err != nil {
		t.Fatalf("Failed to add device. %v", err)
	}

	cfg := &config.SessionConfig{
		Timeout:        time.Hour,
		OverspeedLimit: 60,
	}
	registry := NewRegistry(ctx, cfg, false, store, nil)
	defer registry.Stop()

	moving := model.NewPosition("gtr9", 1)
	moving.Id = 1
	moving.Speed = 80
	moving.Set(model.KeyMotion, true)
	registry.UpdateDeviceState(ctx, moving)

	events := store.Events()
	if len(eventsOfType(events, model.EventDeviceMoving)) != 1 {
		t.Errorf("Expected 1 moving event")
	}
	if len(eventsOfType(events, model.EventDeviceOverspeed)) != 1 {
		t.Errorf("Expected 1 overspeed event")
	}

	// Same state again must not repeat events.
	registry.UpdateDeviceState(ctx, moving)
	events = store.Events()
	if len(eventsOfType(events, model.EventDeviceMoving)) != 1 {
		t.Errorf("Moving event repeated")
	}
	if len(eventsOfType(events, model.EventDeviceOverspeed)) != 1 {
		t.Errorf("Overspeed event repeated")
	}

	stopped := model.NewPosition("gtr9", 1)
	stopped.Id = 2
	stopped.Speed = 0
	stopped.Set(model.KeyMotion, false)
	registry.UpdateDeviceState(ctx, stopped)

	if len(eventsOfType(store.Events(), model.EventDeviceStopped)) != 1 {
		t.Errorf("Expected 1 stopped event")
	}
}

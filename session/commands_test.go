package session

import (
	"testing"
	"time"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
	"github.com/geotrail/gtrd/storage"
)

func TestSendCommandLive(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	_, err := store.AddDevice(ctx, &model.Device{UniqueId: "1302055", Status: model.StatusOffline})
	if err != nil {
		t.Fatalf("Failed to add device. %v", err)
	}

	cfg := &config.SessionConfig{Timeout: time.Hour}
	registry := NewRegistry(ctx, cfg, false, store, nil)
	defer registry.Stop()
	manager := NewCommandsManager(registry, true, nil)

	conn := &testConn{key: "tcp:127.0.0.1:5023"}
	device, err := registry.ResolveDevice(ctx, conn, "gtr9", "1302055")
	if err != nil {
		t.Fatalf("Resolve failed. %v", err)
	}

	delivered, err := manager.SendCommand(ctx, &model.Command{DeviceId: device.Id, Type: model.CommandPing})
	if err != nil {
		t.Fatalf("Send failed. %v", err)
	}
	if !delivered {
		t.Errorf("Expected live delivery")
	}

	sent := conn.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 sent message, got %d", len(sent))
	}
	if string(sent[0]) != "$PING#\r\n" {
		t.Errorf("Wrong payload! Expected: %q Actual: %q", "$PING#\r\n", string(sent[0]))
	}
}

func TestSendCommandOfflineWithoutQueueing(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()

	cfg := &config.SessionConfig{Timeout: time.Hour}
	registry := NewRegistry(ctx, cfg, false, store, nil)
	defer registry.Stop()
	manager := NewCommandsManager(registry, false, nil)

	_, err := manager.SendCommand(ctx, &model.Command{DeviceId: 42, Type: model.CommandPing})
	if err == nil {
		t.Errorf("Expected error for offline device")
	}
}

// Queued commands go out in the order they were queued once the device
// reconnects.
func TestOfflineQueueFifoFlush(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	_, err := store.AddDevice(ctx, &model.Device{UniqueId: "1302055", Status: model.StatusOffline})
	if err != nil {
		t.Fatalf("Failed to add device. %v", err)
	}

	cfg := &config.SessionConfig{Timeout: time.Hour}
	registry := NewRegistry(ctx, cfg, false, store, nil)
	defer registry.Stop()
	manager := NewCommandsManager(registry, true, nil)
	registry.SetSessionCreatedHook(manager.FlushQueuedCommands)

	queued := []*model.Command{
		{DeviceId: 1, Type: model.CommandEngineStop},
		{DeviceId: 1, Type: model.CommandPing},
		{DeviceId: 1, Type: model.CommandEngineResume},
	}
	for _, command := range queued {
		delivered, err := manager.SendCommand(ctx, command)
		if err != nil {
			t.Fatalf("Queueing failed. %v", err)
		}
		if delivered {
			t.Fatalf("Expected command to be queued, not delivered")
		}
	}
	if manager.QueueDepth(1) != 3 {
		t.Fatalf("Expected queue depth 3, got %d", manager.QueueDepth(1))
	}

	conn := &testConn{key: "tcp:127.0.0.1:5023"}
	_, err = registry.ResolveDevice(ctx, conn, "gtr9", "1302055")
	if err != nil {
		t.Fatalf("Resolve failed. %v", err)
	}

	sent := conn.sentMessages()
	expected := []string{"$ENG,0#\r\n", "$PING#\r\n", "$ENG,1#\r\n"}
	if len(sent) != len(expected) {
		t.Fatalf("Expected %d sent messages, got %d", len(expected), len(sent))
	}
	for i := range expected {
		if string(sent[i]) != expected[i] {
			t.Errorf("Wrong message %d! Expected: %q Actual: %q", i, expected[i], string(sent[i]))
		}
	}
	if manager.QueueDepth(1) != 0 {
		t.Errorf("Expected empty queue after flush, got %d", manager.QueueDepth(1))
	}
}

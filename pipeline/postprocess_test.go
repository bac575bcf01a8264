package pipeline

import (
	"testing"
	"time"

	"github.com/geotrail/gtrd/model"
	"github.com/geotrail/gtrd/storage"
)

type recordingBroadcaster struct {
	positions []*model.Position
}

func (b *recordingBroadcaster) NotifyPosition(position *model.Position) {
	b.positions = append(b.positions, position)
}

func TestPostProcessPromotesLatest(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	deviceId, err := store.AddDevice(ctx, &model.Device{UniqueId: "1300001"})
	if err != nil {
		t.Fatalf("Cannot add device: %v", err)
	}
	broadcaster := &recordingBroadcaster{}
	handler := NewPostProcessHandler(store, broadcaster, nil)

	position := validPosition(deviceId, time.Now())
	if _, err := store.AddPosition(ctx, position); err != nil {
		t.Fatalf("Cannot store position: %v", err)
	}
	runNext(handler, ctx, position)

	device, _ := store.GetDeviceById(ctx, deviceId)
	if device.PositionId != position.Id {
		t.Errorf("Wrong latest pointer! Expected: %d Actual: %d", position.Id, device.PositionId)
	}
	if len(broadcaster.positions) != 1 {
		t.Errorf("Expected 1 broadcast, got %d", len(broadcaster.positions))
	}
}

// A replayed batch position with an older fix time must not displace the
// device's latest position or reach live listeners as current.
func TestPostProcessSkipsStalePosition(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	deviceId, err := store.AddDevice(ctx, &model.Device{UniqueId: "1300001"})
	if err != nil {
		t.Fatalf("Cannot add device: %v", err)
	}
	broadcaster := &recordingBroadcaster{}
	handler := NewPostProcessHandler(store, broadcaster, nil)

	now := time.Now()
	current := validPosition(deviceId, now)
	if _, err := store.AddPosition(ctx, current); err != nil {
		t.Fatalf("Cannot store position: %v", err)
	}
	runNext(handler, ctx, current)

	stale := validPosition(deviceId, now.Add(-2*time.Hour))
	stale.Set(model.KeyOfflineBatch, true)
	if _, err := store.AddPosition(ctx, stale); err != nil {
		t.Fatalf("Cannot store position: %v", err)
	}
	if runNext(handler, ctx, stale) {
		t.Fatalf("Post-processing must never drop positions")
	}

	device, _ := store.GetDeviceById(ctx, deviceId)
	if device.PositionId != current.Id {
		t.Errorf("Latest pointer regressed! Expected: %d Actual: %d", current.Id, device.PositionId)
	}
	if len(broadcaster.positions) != 1 || broadcaster.positions[0] != current {
		t.Errorf("Stale position must not be broadcast as current")
	}
}

func TestPostProcessUnpersistedStillBroadcast(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	deviceId, err := store.AddDevice(ctx, &model.Device{UniqueId: "1300001"})
	if err != nil {
		t.Fatalf("Cannot add device: %v", err)
	}
	broadcaster := &recordingBroadcaster{}
	handler := NewPostProcessHandler(store, broadcaster, nil)

	position := validPosition(deviceId, time.Now())
	runNext(handler, ctx, position) // Id stays 0, persist failed upstream

	device, _ := store.GetDeviceById(ctx, deviceId)
	if device.PositionId != 0 {
		t.Errorf("Unpersisted position must not become the latest pointer")
	}
	if len(broadcaster.positions) != 1 {
		t.Errorf("Unpersisted position must still be broadcast, got %d", len(broadcaster.positions))
	}
}

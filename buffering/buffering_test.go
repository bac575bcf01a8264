package buffering

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
	"github.com/sirupsen/logrus"
)

func testContext() context.Context {
	log := logrus.New()
	log.SetLevel(logrus.TraceLevel)
	cfg := config.NewConfig(log, nil, nil, nil, nil, nil, nil, nil, nil, nil)
	return context.WithValue(context.Background(), config.ContextConfigKey, cfg)
}

type collector struct {
	lock     sync.Mutex
	released []*model.Position
}

func (c *collector) release(ctx context.Context, position *model.Position) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.released = append(c.released, position)
}

func (c *collector) snapshot() []*model.Position {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]*model.Position(nil), c.released...)
}

func makePosition(deviceId int64, fixTime time.Time) *model.Position {
	position := model.NewPosition("gtr9", deviceId)
	position.FixTime = fixTime
	position.DeviceTime = fixTime
	return position
}

func TestZeroThresholdBypassesBuffer(t *testing.T) {
	ctx := testContext()
	sink := &collector{}
	buffer := NewBuffer(ctx, &config.BufferingConfig{Threshold: 0}, sink.release)

	position := makePosition(1, time.Now())
	buffer.Accept(ctx, position)

	released := sink.snapshot()
	if len(released) != 1 {
		t.Fatalf("Expected synchronous release, got %d positions", len(released))
	}
	if released[0] != position {
		t.Errorf("Wrong position released")
	}
}

// Any arrival permutation within one threshold window must come out in
// ascending fix time order.
func TestReorderingPermutations(t *testing.T) {
	base := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(10 * time.Second),
		base.Add(20 * time.Second),
	}

	permutations := [][]int{
		{0, 1, 2},
		{0, 2, 1},
		{1, 0, 2},
		{1, 2, 0},
		{2, 0, 1},
		{2, 1, 0},
	}

	for _, permutation := range permutations {
		t.Run(fmt.Sprintf("Order%v", permutation), func(test *testing.T) {
			ctx := testContext()
			sink := &collector{}
			buffer := NewBuffer(ctx, &config.BufferingConfig{Threshold: 50 * time.Millisecond}, sink.release)

			for _, index := range permutation {
				buffer.Accept(ctx, makePosition(1, times[index]))
			}

			deadline := time.Now().Add(2 * time.Second)
			for {
				if len(sink.snapshot()) == len(times) || time.Now().After(deadline) {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}

			released := sink.snapshot()
			if len(released) != len(times) {
				test.Fatalf("Expected %d positions, got %d", len(times), len(released))
			}
			for i, position := range released {
				if !position.FixTime.Equal(times[i]) {
					test.Errorf("Position %d out of order! Expected: %v Actual: %v", i, times[i], position.FixTime)
				}
			}
		})
	}
}

func TestFlushReleasesPendingSorted(t *testing.T) {
	ctx := testContext()
	sink := &collector{}
	buffer := NewBuffer(ctx, &config.BufferingConfig{Threshold: time.Hour}, sink.release)

	base := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	buffer.Accept(ctx, makePosition(1, base.Add(10*time.Second)))
	buffer.Accept(ctx, makePosition(1, base))

	if len(sink.snapshot()) != 0 {
		t.Fatalf("Expected positions to be held")
	}

	buffer.Flush(ctx)

	released := sink.snapshot()
	if len(released) != 2 {
		t.Fatalf("Expected 2 positions after flush, got %d", len(released))
	}
	if !released[0].FixTime.Equal(base) {
		t.Errorf("Flush released out of order")
	}
}

func TestDevicesDoNotInterfere(t *testing.T) {
	ctx := testContext()
	sink := &collector{}
	buffer := NewBuffer(ctx, &config.BufferingConfig{Threshold: 30 * time.Millisecond}, sink.release)

	base := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	buffer.Accept(ctx, makePosition(1, base.Add(time.Second)))
	buffer.Accept(ctx, makePosition(2, base))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(sink.snapshot()) == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	released := sink.snapshot()
	if len(released) != 2 {
		t.Fatalf("Expected 2 positions, got %d", len(released))
	}
	devices := map[int64]bool{}
	for _, position := range released {
		devices[position.DeviceId] = true
	}
	if !devices[1] || !devices[2] {
		t.Errorf("Expected one position per device")
	}
}

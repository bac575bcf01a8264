package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/geotrail/gtrd/model"
)

type recordingHandler struct {
	name  string
	drop  bool
	async bool

	lock  sync.Mutex
	seen  []*model.Position
	inUse bool
}

func (h *recordingHandler) Name() string {
	return h.name
}

func (h *recordingHandler) Handle(ctx context.Context, position *model.Position, next func(filtered bool)) {
	h.lock.Lock()
	if h.inUse {
		panic("handler entered concurrently for serialized device")
	}
	h.inUse = true
	h.seen = append(h.seen, position)
	h.lock.Unlock()

	finish := func() {
		h.lock.Lock()
		h.inUse = false
		h.lock.Unlock()
		next(h.drop)
	}
	if h.async {
		go func() {
			time.Sleep(5 * time.Millisecond)
			finish()
		}()
		return
	}
	finish()
}

func (h *recordingHandler) positions() []*model.Position {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]*model.Position(nil), h.seen...)
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("Condition not reached in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStagesRunInOrder(t *testing.T) {
	ctx := testContext()

	var order []string
	var lock sync.Mutex
	record := func(name string) Handler {
		return handlerFunc{name: name, fn: func(position *model.Position, next func(bool)) {
			lock.Lock()
			order = append(order, name)
			lock.Unlock()
			next(false)
		}}
	}

	pipeline := NewPipeline(ctx, record("first"), record("second"), record("third"))
	pipeline.Submit(ctx, model.NewPosition("gtr9", 1))

	waitFor(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(order) == 3
	})
	lock.Lock()
	defer lock.Unlock()
	for i, expected := range []string{"first", "second", "third"} {
		if order[i] != expected {
			t.Errorf("Stage %d out of order! Expected: %s Actual: %s", i, expected, order[i])
		}
	}
}

type handlerFunc struct {
	name string
	fn   func(position *model.Position, next func(bool))
}

func (h handlerFunc) Name() string {
	return h.name
}

func (h handlerFunc) Handle(ctx context.Context, position *model.Position, next func(filtered bool)) {
	h.fn(position, next)
}

func TestDropStopsChain(t *testing.T) {
	ctx := testContext()
	first := &recordingHandler{name: "first", drop: true}
	second := &recordingHandler{name: "second"}

	pipeline := NewPipeline(ctx, first, second)
	pipeline.Submit(ctx, model.NewPosition("gtr9", 1))

	waitFor(t, func() bool {
		return len(first.positions()) == 1
	})
	time.Sleep(50 * time.Millisecond)
	if len(second.positions()) != 0 {
		t.Errorf("Dropped position must not reach later stages")
	}
}

func TestSameDeviceSerialized(t *testing.T) {
	ctx := testContext()
	handler := &recordingHandler{name: "slow", async: true}

	pipeline := NewPipeline(ctx, handler)
	positions := make([]*model.Position, 5)
	for i := range positions {
		positions[i] = model.NewPosition("gtr9", 7)
		pipeline.Submit(ctx, positions[i])
	}

	waitFor(t, func() bool {
		return len(handler.positions()) == len(positions)
	})

	seen := handler.positions()
	for i := range positions {
		if seen[i] != positions[i] {
			t.Errorf("Position %d processed out of submission order", i)
		}
	}
}

func TestDifferentDevicesProceedIndependently(t *testing.T) {
	ctx := testContext()

	blocked := make(chan struct{})
	var lock sync.Mutex
	var processed []int64

	handler := handlerFunc{name: "gate", fn: func(position *model.Position, next func(bool)) {
		if position.DeviceId == 1 {
			go func() {
				<-blocked
				next(false)
			}()
			return
		}
		lock.Lock()
		processed = append(processed, position.DeviceId)
		lock.Unlock()
		next(false)
	}}

	pipeline := NewPipeline(ctx, handler)
	pipeline.Submit(ctx, model.NewPosition("gtr9", 1))
	pipeline.Submit(ctx, model.NewPosition("gtr9", 2))

	waitFor(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(processed) == 1 && processed[0] == 2
	})
	close(blocked)
}

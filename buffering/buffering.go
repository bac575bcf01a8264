package buffering

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
)

// ReleaseFunc receives positions in corrected order once their holdback
// period expired.
type ReleaseFunc func(ctx context.Context, position *model.Position)

type entry struct {
	position *model.Position
	deadline time.Time
}

// Buffer holds positions per device for a configured threshold and
// releases them sorted by fix time, so late out of order uplinks still
// reach the pipeline in chronological order. A zero threshold passes
// positions straight through.
type Buffer struct {
	ctx       context.Context
	threshold time.Duration
	release   ReleaseFunc

	lock   sync.Mutex
	queues map[int64][]entry
	timers map[int64]*time.Timer
}

func NewBuffer(ctx context.Context, cfg *config.BufferingConfig, release ReleaseFunc) *Buffer {
	return &Buffer{
		ctx:       ctx,
		threshold: cfg.Threshold,
		release:   release,
		queues:    make(map[int64][]entry),
		timers:    make(map[int64]*time.Timer),
	}
}

// Accept hands a position to the buffer. With buffering disabled the
// release callback runs synchronously on the caller.
func (b *Buffer) Accept(ctx context.Context, position *model.Position) {
	if b.threshold <= 0 {
		b.release(ctx, position)
		return
	}

	deviceId := position.DeviceId
	b.lock.Lock()
	queue := append(b.queues[deviceId], entry{
		position: position,
		deadline: time.Now().Add(b.threshold),
	})
	sort.SliceStable(queue, func(i, j int) bool {
		return positionBefore(queue[i].position, queue[j].position)
	})
	b.queues[deviceId] = queue
	b.rearmLocked(deviceId)
	b.lock.Unlock()
}

// rearmLocked points the device timer at the deadline of the entry that
// sorts first. An entry that arrives late but sorts early thereby delays
// everything queued behind it.
func (b *Buffer) rearmLocked(deviceId int64) {
	if timer, ok := b.timers[deviceId]; ok {
		timer.Stop()
		delete(b.timers, deviceId)
	}
	queue := b.queues[deviceId]
	if len(queue) == 0 {
		delete(b.queues, deviceId)
		return
	}
	delay := time.Until(queue[0].deadline)
	if delay < 0 {
		delay = 0
	}
	b.timers[deviceId] = time.AfterFunc(delay, func() {
		b.drain(deviceId)
	})
}

// drain releases every leading entry whose holdback expired, in sorted
// order, and re-arms for whatever remains.
func (b *Buffer) drain(deviceId int64) {
	now := time.Now()

	b.lock.Lock()
	queue := b.queues[deviceId]
	ready := 0
	for ready < len(queue) && !queue[ready].deadline.After(now) {
		ready++
	}
	released := queue[:ready]
	b.queues[deviceId] = queue[ready:]
	b.rearmLocked(deviceId)
	b.lock.Unlock()

	for _, e := range released {
		b.release(b.ctx, e.position)
	}
}

// Flush releases everything still held, sorted per device. Used on
// shutdown so buffered positions are not lost.
func (b *Buffer) Flush(ctx context.Context) {
	log := config.GetLogger(ctx)

	b.lock.Lock()
	var pending [][]entry
	for deviceId, queue := range b.queues {
		if timer, ok := b.timers[deviceId]; ok {
			timer.Stop()
			delete(b.timers, deviceId)
		}
		pending = append(pending, queue)
		delete(b.queues, deviceId)
	}
	b.lock.Unlock()

	count := 0
	for _, queue := range pending {
		for _, e := range queue {
			b.release(ctx, e.position)
			count++
		}
	}
	if count > 0 {
		log.Infof("Flushed %d buffered positions", count)
	}
}

// positionBefore orders by fix time, then device time, then server time.
func positionBefore(a, b *model.Position) bool {
	if !a.FixTime.Equal(b.FixTime) {
		return a.FixTime.Before(b.FixTime)
	}
	if !a.DeviceTime.Equal(b.DeviceTime) {
		return a.DeviceTime.Before(b.DeviceTime)
	}
	return a.ServerTime.Before(b.ServerTime)
}

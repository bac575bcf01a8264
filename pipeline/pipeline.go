package pipeline

import (
	"context"
	"sync"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
)

// Handler is one stage of the processing chain. It must call next exactly
// once: next(false) keeps the position moving, next(true) drops it and no
// later stage runs. Handlers may call next from another goroutine.
type Handler interface {
	Name() string
	Handle(ctx context.Context, position *model.Position, next func(filtered bool))
}

// Pipeline runs positions through its handlers in order. Positions of the
// same device are processed strictly one at a time, even when a handler
// completes asynchronously; different devices proceed in parallel.
type Pipeline struct {
	ctx      context.Context
	handlers []Handler

	lock   sync.Mutex
	queues map[int64]*deviceQueue
}

type deviceQueue struct {
	pending []*model.Position
	running bool
}

func NewPipeline(ctx context.Context, handlers ...Handler) *Pipeline {
	return &Pipeline{
		ctx:      ctx,
		handlers: handlers,
		queues:   make(map[int64]*deviceQueue),
	}
}

// Submit queues a position for processing. Returns immediately.
func (p *Pipeline) Submit(ctx context.Context, position *model.Position) {
	deviceId := position.DeviceId

	p.lock.Lock()
	queue, ok := p.queues[deviceId]
	if !ok {
		queue = &deviceQueue{}
		p.queues[deviceId] = queue
	}
	queue.pending = append(queue.pending, position)
	start := !queue.running
	if start {
		queue.running = true
	}
	p.lock.Unlock()

	if start {
		go p.drain(deviceId)
	}
}

func (p *Pipeline) drain(deviceId int64) {
	for {
		p.lock.Lock()
		queue := p.queues[deviceId]
		if len(queue.pending) == 0 {
			queue.running = false
			delete(p.queues, deviceId)
			p.lock.Unlock()
			return
		}
		position := queue.pending[0]
		queue.pending = queue.pending[1:]
		p.lock.Unlock()

		done := make(chan struct{})
		p.run(p.ctx, position, 0, done)
		<-done
	}
}

// run executes the handler at index and chains the rest through the
// continuation. The continuation may fire on any goroutine; done is closed
// exactly once when the position leaves the chain.
func (p *Pipeline) run(ctx context.Context, position *model.Position, index int, done chan struct{}) {
	if index >= len(p.handlers) {
		close(done)
		return
	}
	handler := p.handlers[index]
	var once sync.Once
	handler.Handle(ctx, position, func(filtered bool) {
		once.Do(func() {
			if filtered {
				config.GetLogger(ctx).Debugf("Position of device %d dropped by %s",
					position.DeviceId, handler.Name())
				close(done)
				return
			}
			p.run(ctx, position, index+1, done)
		})
	})
}

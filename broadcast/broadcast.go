package broadcast

import (
	"context"
	"sync"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
)

// Update is one live feed message.
type Update struct {
	Positions []*model.Position `json:"positions,omitempty"`
	Devices   []*model.Device   `json:"devices,omitempty"`
	Events    []*model.Event    `json:"events,omitempty"`
}

type ConsumerHandler func(update *Update) error

// Broadcaster fans processed updates out to its consumers. It implements
// the session registry listener contract so the registry can feed it
// directly.
type Broadcaster struct {
	ctx       context.Context
	lock      sync.RWMutex
	consumers []ConsumerHandler
}

func NewBroadcaster(ctx context.Context) *Broadcaster {
	return &Broadcaster{
		ctx: ctx,
	}
}

func (b *Broadcaster) Publish(update *Update) {
	log := config.GetLogger(b.ctx)

	b.lock.RLock()
	consumers := b.consumers
	b.lock.RUnlock()

	for _, consumerFunc := range consumers {
		err := consumerFunc(update)
		if err == nil {
			log.Debugf("Update forwarded and processed.")
		} else {
			log.Errorf("Failed to forward update. %v", err)
		}
	}
}

func (b *Broadcaster) Subscribe(consumerFunc ConsumerHandler) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.consumers = append(b.consumers, consumerFunc)
}

func (b *Broadcaster) OnPositionUpdate(position *model.Position) {
	b.Publish(&Update{Positions: []*model.Position{position}})
}

func (b *Broadcaster) OnDeviceUpdate(device *model.Device) {
	b.Publish(&Update{Devices: []*model.Device{device}})
}

func (b *Broadcaster) OnEventUpdate(event *model.Event) {
	b.Publish(&Update{Events: []*model.Event{event}})
}

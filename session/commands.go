package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/gtr9"
	"github.com/geotrail/gtrd/metrics"
	"github.com/geotrail/gtrd/model"
)

// CommandsManager delivers commands to devices. Commands for offline
// devices are either rejected or queued per device in FIFO order and
// flushed when the device reconnects, depending on configuration.
type CommandsManager struct {
	registry *Registry
	queueing bool
	metrics  metrics.CommandMetricsInterface

	lock   sync.Mutex
	queues map[int64][]*model.Command
}

func NewCommandsManager(registry *Registry, queueing bool, metrics metrics.CommandMetricsInterface) *CommandsManager {
	return &CommandsManager{
		registry: registry,
		queueing: queueing,
		metrics:  metrics,
		queues:   make(map[int64][]*model.Command),
	}
}

// SendCommand attempts live delivery. The returned flag reports whether the
// command went out now, as opposed to being queued for later.
func (m *CommandsManager) SendCommand(ctx context.Context, command *model.Command) (bool, error) {
	log := config.GetLogger(ctx)

	session, online := m.registry.GetSession(command.DeviceId)
	if online {
		if err := m.deliver(ctx, session, command); err != nil {
			return false, err
		}
		log.Infof("Command %s sent to device %d", command.Type, command.DeviceId)
		return true, nil
	}

	if !m.queueing {
		return false, fmt.Errorf("device is not online")
	}

	m.lock.Lock()
	m.queues[command.DeviceId] = append(m.queues[command.DeviceId], command)
	depth := len(m.queues[command.DeviceId])
	m.lock.Unlock()

	if m.metrics != nil {
		m.metrics.AddQueuedCommands(1)
	}
	log.Infof("Command %s queued for device %d (queue depth %d)", command.Type, command.DeviceId, depth)
	return false, nil
}

// QueueDepth reports how many commands wait for the device.
func (m *CommandsManager) QueueDepth(deviceId int64) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.queues[deviceId])
}

func (m *CommandsManager) deliver(ctx context.Context, session *DeviceSession, command *model.Command) error {
	payload, err := gtr9.EncodeCommand(command)
	if err != nil {
		return fmt.Errorf("command encoding failed: %v", err)
	}
	if err := session.Send(payload); err != nil {
		return fmt.Errorf("command delivery failed: %v", err)
	}
	if m.metrics != nil {
		m.metrics.AddSentCommands(1)
	}
	return nil
}

// FlushQueuedCommands drains the pending commands of a freshly connected
// device in the order they were queued. Wire it into the registry's
// session created hook. A delivery failure keeps the rest of the queue
// for the next session.
func (m *CommandsManager) FlushQueuedCommands(ctx context.Context, deviceId int64) {
	log := config.GetLogger(ctx)

	m.lock.Lock()
	pending := m.queues[deviceId]
	delete(m.queues, deviceId)
	m.lock.Unlock()

	for i, command := range pending {
		session, online := m.registry.GetSession(deviceId)
		if !online {
			m.requeue(deviceId, pending[i:])
			return
		}
		if err := m.deliver(ctx, session, command); err != nil {
			log.Errorf("Flush of queued command %s to device %d failed: %v", command.Type, deviceId, err)
			m.requeue(deviceId, pending[i:])
			return
		}
		log.Infof("Queued command %s delivered to device %d", command.Type, deviceId)
	}
}

func (m *CommandsManager) requeue(deviceId int64, pending []*model.Command) {
	m.lock.Lock()
	m.queues[deviceId] = append(pending, m.queues[deviceId]...)
	m.lock.Unlock()
}

package uds

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
)

const (
	closeIfIdleFor     = 1 * time.Hour
	checkLastSeenEvery = 10 * time.Second
)

// Dispatcher delivers a command to a device, immediately or queued.
type Dispatcher interface {
	SendCommand(ctx context.Context, command *model.Command) (bool, error)
}

// Bridge manages one local command socket per known device. An operator
// writes a command line to the device socket and gets the outcome echoed
// back. Sockets open lazily when a device first connects and close after
// an idle period.
type Bridge struct {
	ctx        context.Context
	wg         *sync.WaitGroup
	basePath   string
	dispatcher Dispatcher

	lock     sync.Mutex
	servers  map[int64]*Server
	lastSeen sync.Map
}

func NewBridge(ctx context.Context, wg *sync.WaitGroup, cfg *config.UdsServerConfig, dispatcher Dispatcher) *Bridge {
	bridge := &Bridge{
		ctx:        ctx,
		wg:         wg,
		basePath:   cfg.BasePath,
		dispatcher: dispatcher,
		servers:    make(map[int64]*Server),
	}
	bridge.idleChecker()
	return bridge
}

// EnsureSocket opens the command socket of a device if it is not open
// yet. Called from the session created hook, so every device that ever
// connected gets a socket.
func (b *Bridge) EnsureSocket(ctx context.Context, deviceId int64) {
	log := config.GetLogger(ctx)

	b.lastSeen.Store(deviceId, time.Now())

	b.lock.Lock()
	defer b.lock.Unlock()
	if _, found := b.servers[deviceId]; found {
		return
	}

	server := NewServer(b.ctx, b.wg, deviceId, b.basePath, b.handleLine)
	if err := server.Start(); err != nil {
		log.Errorf("Failed to open command socket for device %d. %v", deviceId, err)
		return
	}
	b.servers[deviceId] = server
}

// handleLine parses one operator line ("<type> [payload]") and dispatches
// it. The returned string is echoed back on the socket.
func (b *Bridge) handleLine(deviceId int64, line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}

	commandType, payload, _ := strings.Cut(line, " ")
	command := &model.Command{
		DeviceId: deviceId,
		Type:     commandType,
	}
	if payload != "" {
		key := "data"
		if commandType == model.CommandSetInterval {
			key = "interval"
		}
		command.Attributes = map[string]interface{}{key: payload}
	}

	delivered, err := b.dispatcher.SendCommand(b.ctx, command)
	if err != nil {
		return fmt.Sprintf("ERROR %v", err)
	}
	if delivered {
		return "OK sent"
	}
	return "OK queued"
}

func (b *Bridge) idleChecker() {
	log := config.GetLogger(b.ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ticker := time.NewTicker(checkLastSeenEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				b.lastSeen.Range(func(key, value any) bool {
					deviceId := key.(int64)
					lastSeenTimestamp := value.(time.Time)

					if time.Since(lastSeenTimestamp) > closeIfIdleFor {
						if err := b.closeServer(deviceId); err != nil {
							log.Errorf("Failed to close idle command socket. %v", err)
						}
						b.lastSeen.Delete(deviceId)
						log.Debugf("Command socket of device %d expired", deviceId)
					}

					return true // continue
				})
			case <-b.ctx.Done():
				return
			}
		}
	}()
}

func (b *Bridge) closeServer(deviceId int64) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	server, found := b.servers[deviceId]
	if !found {
		return nil
	}
	delete(b.servers, deviceId)
	return server.Stop()
}

func (b *Bridge) Stop() error {
	b.lock.Lock()
	servers := make([]*Server, 0, len(b.servers))
	for deviceId, server := range b.servers {
		servers = append(servers, server)
		delete(b.servers, deviceId)
	}
	b.lock.Unlock()

	ok := true
	for _, server := range servers {
		if err := server.Stop(); err != nil {
			config.GetLogger(b.ctx).Errorf("Failed to stop command socket server. %v", err)
			ok = false
		}
	}
	if !ok {
		return fmt.Errorf("at least one command socket failed to stop")
	}
	return nil
}

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/gtr9"
	"github.com/geotrail/gtrd/model"
	"github.com/geotrail/gtrd/storage"
)

// WildcardUser subscribes a listener to updates of every device.
const WildcardUser = int64(0)

// Registry owns the device sessions and the device status state machine.
// A device is ONLINE while it keeps sending, UNKNOWN after the session
// timeout expires and OFFLINE once its connection goes away.
type Registry struct {
	ctx             context.Context
	cfg             *config.SessionConfig
	registerUnknown bool
	store           storage.Storage
	notifier        NotificationSink

	lock       sync.Mutex
	byDevice   map[int64]*DeviceSession
	byEndpoint map[string]*DeviceSession
	timers     map[int64]*time.Timer
	states     map[int64]*DeviceState

	listenerLock sync.RWMutex
	listeners    map[int64]map[UpdateListener]struct{}

	onSessionCreated func(ctx context.Context, deviceId int64)
}

func NewRegistry(ctx context.Context, cfg *config.SessionConfig, registerUnknown bool,
	store storage.Storage, notifier NotificationSink) *Registry {
	return &Registry{
		ctx:             ctx,
		cfg:             cfg,
		registerUnknown: registerUnknown,
		store:           store,
		notifier:        notifier,
		byDevice:        make(map[int64]*DeviceSession),
		byEndpoint:      make(map[string]*DeviceSession),
		timers:          make(map[int64]*time.Timer),
		states:          make(map[int64]*DeviceState),
		listeners:       make(map[int64]map[UpdateListener]struct{}),
	}
}

// SetSessionCreatedHook registers a callback invoked whenever a device gets
// a fresh session. Used to flush queued commands on reconnect.
func (r *Registry) SetSessionCreatedHook(hook func(ctx context.Context, deviceId int64)) {
	r.onSessionCreated = hook
}

// ResolveDevice maps a reported unique identifier to a device record and
// keeps the session table current. Every successfully decoded message goes
// through here, so this is also what re-arms the session timeout.
func (r *Registry) ResolveDevice(ctx context.Context, conn gtr9.ClientConn,
	protocol string, uniqueId string) (*model.Device, error) {
	log := config.GetLogger(ctx)

	device, err := r.store.GetDeviceByUniqueId(ctx, uniqueId)
	if err != nil {
		return nil, fmt.Errorf("device lookup failed for %s: %v", uniqueId, err)
	}
	if device == nil {
		if !r.registerUnknown {
			return nil, fmt.Errorf("unknown device %s", uniqueId)
		}
		device = &model.Device{
			Name:     uniqueId,
			UniqueId: uniqueId,
			Status:   model.StatusOffline,
		}
		if _, err := r.store.AddDevice(ctx, device); err != nil {
			return nil, fmt.Errorf("auto registration failed for %s: %v", uniqueId, err)
		}
		log.Infof("Registered unknown device %s as id %d", uniqueId, device.Id)
	}

	created := r.bindSession(device, protocol, conn)
	r.updateDevice(ctx, device, model.StatusOnline, time.Now())

	if created && r.onSessionCreated != nil {
		r.onSessionCreated(ctx, device.Id)
	}
	return device, nil
}

// bindSession reports whether a new session was created, as opposed to an
// existing one being refreshed.
func (r *Registry) bindSession(device *model.Device, protocol string, conn gtr9.ClientConn) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	existing := r.byDevice[device.Id]
	if existing != nil && existing.Endpoint() == conn.Key() {
		return false
	}
	if existing != nil {
		delete(r.byEndpoint, existing.Endpoint())
	}
	session := &DeviceSession{
		DeviceId: device.Id,
		UniqueId: device.UniqueId,
		Protocol: protocol,
		conn:     conn,
	}
	r.byDevice[device.Id] = session
	r.byEndpoint[conn.Key()] = session
	return true
}

// DeviceDisconnected closes every session bound to the endpoint and takes
// the affected devices straight to OFFLINE, skipping UNKNOWN.
func (r *Registry) DeviceDisconnected(ctx context.Context, conn gtr9.ClientConn) {
	r.lock.Lock()
	session := r.byEndpoint[conn.Key()]
	if session != nil {
		delete(r.byEndpoint, conn.Key())
		delete(r.byDevice, session.DeviceId)
		r.stopTimerLocked(session.DeviceId)
	}
	r.lock.Unlock()

	if session == nil {
		return
	}
	device, err := r.store.GetDeviceById(ctx, session.DeviceId)
	if err != nil || device == nil {
		config.GetLogger(ctx).Warnf("Device %d vanished during disconnect: %v", session.DeviceId, err)
		return
	}
	r.updateDevice(ctx, device, model.StatusOffline, time.Now())
}

// GetSession returns the live session of the device, if any.
func (r *Registry) GetSession(deviceId int64) (*DeviceSession, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	session, ok := r.byDevice[deviceId]
	return session, ok
}

// updateDevice drives the status state machine. Exactly one status event is
// emitted per transition, before the stored record changes. The record is
// only persisted on a transition: this runs on every decoded message, and
// an online device rearming its timer is not worth a storage write.
func (r *Registry) updateDevice(ctx context.Context, device *model.Device, status string, when time.Time) {
	log := config.GetLogger(ctx)

	oldStatus := device.Status
	device.Status = status
	device.LastUpdate = when

	if oldStatus != status {
		event := model.NewEvent(statusEventType(status), device.Id)
		event.EventTime = when
		r.emitEvent(ctx, event, nil)
		log.Infof("Device %d status %s -> %s", device.Id, oldStatus, status)

		if err := r.store.UpdateDeviceStatus(ctx, device); err != nil {
			log.Errorf("Failed to persist status of device %d: %v", device.Id, err)
		}
		r.notifyDevice(device)
	}

	r.lock.Lock()
	r.stopTimerLocked(device.Id)
	if status == model.StatusOnline {
		deviceId := device.Id
		r.timers[device.Id] = time.AfterFunc(r.cfg.Timeout, func() {
			r.sessionExpired(deviceId)
		})
	}
	r.lock.Unlock()
}

func (r *Registry) stopTimerLocked(deviceId int64) {
	if timer, ok := r.timers[deviceId]; ok {
		timer.Stop()
		delete(r.timers, deviceId)
	}
}

// sessionExpired demotes a silent device to UNKNOWN. Runs on the timer
// goroutine, detached from any request context.
func (r *Registry) sessionExpired(deviceId int64) {
	ctx := r.ctx
	log := config.GetLogger(ctx)

	device, err := r.store.GetDeviceById(ctx, deviceId)
	if err != nil || device == nil {
		log.Warnf("Device %d vanished before session expiry: %v", deviceId, err)
		return
	}
	if device.Status != model.StatusOnline {
		return
	}
	r.updateDevice(ctx, device, model.StatusUnknown, time.Now())

	if r.cfg.UpdateState {
		r.refreshDeviceState(ctx, deviceId)
	}
}

// refreshDeviceState recomputes motion and overspeed from the last known
// position of a device that went silent, so a stop is not missed just
// because the device stopped reporting.
func (r *Registry) refreshDeviceState(ctx context.Context, deviceId int64) {
	log := config.GetLogger(ctx)

	position, err := r.store.GetLastPosition(ctx, deviceId)
	if err != nil || position == nil {
		return
	}

	r.lock.Lock()
	state, ok := r.states[deviceId]
	if !ok {
		state = &DeviceState{}
		r.states[deviceId] = state
	}
	moving := position.Speed > r.cfg.MotionThreshold
	speeding := r.cfg.OverspeedLimit > 0 && position.Speed > r.cfg.OverspeedLimit
	motionChanged := state.Motion != moving
	overspeedCleared := state.Overspeed && !speeding
	state.Motion = moving
	state.Overspeed = speeding
	r.lock.Unlock()

	if motionChanged {
		eventType := model.EventDeviceStopped
		if moving {
			eventType = model.EventDeviceMoving
		}
		event := model.NewEvent(eventType, deviceId)
		event.PositionId = position.Id
		r.emitEvent(ctx, event, position)
		log.Debugf("Device %d motion state recomputed: moving=%v", deviceId, moving)
	}
	if overspeedCleared {
		log.Debugf("Device %d overspeed state cleared", deviceId)
	}
}

// UpdateDeviceState feeds a processed position into the derived motion and
// overspeed state and emits the corresponding events.
func (r *Registry) UpdateDeviceState(ctx context.Context, position *model.Position) {
	r.lock.Lock()
	state, ok := r.states[position.DeviceId]
	if !ok {
		state = &DeviceState{}
		r.states[position.DeviceId] = state
	}
	moving := position.GetBool(model.KeyMotion)
	speeding := r.cfg.OverspeedLimit > 0 && position.Speed > r.cfg.OverspeedLimit
	motionChanged := state.Motion != moving
	overspeedStarted := speeding && !state.Overspeed
	state.Motion = moving
	state.Overspeed = speeding
	r.lock.Unlock()

	if motionChanged {
		eventType := model.EventDeviceStopped
		if moving {
			eventType = model.EventDeviceMoving
		}
		event := model.NewEvent(eventType, position.DeviceId)
		event.PositionId = position.Id
		r.emitEvent(ctx, event, position)
	}
	if overspeedStarted {
		event := model.NewEvent(model.EventDeviceOverspeed, position.DeviceId)
		event.PositionId = position.Id
		event.Attributes = map[string]interface{}{"speed": position.Speed, "speedLimit": r.cfg.OverspeedLimit}
		r.emitEvent(ctx, event, position)
	}
}

func (r *Registry) emitEvent(ctx context.Context, event *model.Event, position *model.Position) {
	log := config.GetLogger(ctx)
	if err := r.store.AddEvent(ctx, event); err != nil {
		log.Errorf("Failed to store event %s for device %d: %v", event.Type, event.DeviceId, err)
	}
	if r.notifier != nil {
		r.notifier.OnEvent(ctx, event, position)
	}
	r.notifyEvent(event)
}

func statusEventType(status string) string {
	switch status {
	case model.StatusOnline:
		return model.EventDeviceOnline
	case model.StatusUnknown:
		return model.EventDeviceUnknown
	default:
		return model.EventDeviceOffline
	}
}

// Subscribe adds a listener for the given users. WildcardUser subscribes to
// everything.
func (r *Registry) Subscribe(listener UpdateListener, userIds ...int64) {
	r.listenerLock.Lock()
	defer r.listenerLock.Unlock()
	if len(userIds) == 0 {
		userIds = []int64{WildcardUser}
	}
	for _, userId := range userIds {
		set, ok := r.listeners[userId]
		if !ok {
			set = make(map[UpdateListener]struct{})
			r.listeners[userId] = set
		}
		set[listener] = struct{}{}
	}
}

func (r *Registry) Unsubscribe(listener UpdateListener) {
	r.listenerLock.Lock()
	defer r.listenerLock.Unlock()
	for userId, set := range r.listeners {
		delete(set, listener)
		if len(set) == 0 {
			delete(r.listeners, userId)
		}
	}
}

// NotifyPosition fans a processed position out to the subscribed listeners.
// Called from the pipeline after persistence.
func (r *Registry) NotifyPosition(position *model.Position) {
	r.forEachListener(position.DeviceId, func(l UpdateListener) {
		l.OnPositionUpdate(position)
	})
}

func (r *Registry) notifyDevice(device *model.Device) {
	r.forEachListener(device.Id, func(l UpdateListener) {
		l.OnDeviceUpdate(device)
	})
}

func (r *Registry) notifyEvent(event *model.Event) {
	r.forEachListener(event.DeviceId, func(l UpdateListener) {
		l.OnEventUpdate(event)
	})
}

func (r *Registry) forEachListener(deviceId int64, notify func(UpdateListener)) {
	r.listenerLock.RLock()
	defer r.listenerLock.RUnlock()
	for _, listener := range r.listenerSet(deviceId) {
		notify(listener)
	}
}

// listenerSet collects the wildcard listeners plus the ones subscribed to
// any owner of the device. Callers hold the read lock.
func (r *Registry) listenerSet(deviceId int64) []UpdateListener {
	seen := make(map[UpdateListener]struct{})
	var result []UpdateListener
	add := func(set map[UpdateListener]struct{}) {
		for listener := range set {
			if _, ok := seen[listener]; !ok {
				seen[listener] = struct{}{}
				result = append(result, listener)
			}
		}
	}
	add(r.listeners[WildcardUser])
	if device, err := r.store.GetDeviceById(r.ctx, deviceId); err == nil && device != nil {
		for _, userId := range device.UserIds {
			add(r.listeners[userId])
		}
	}
	return result
}

// Stop cancels every pending session timer.
func (r *Registry) Stop() {
	r.lock.Lock()
	defer r.lock.Unlock()
	for deviceId := range r.timers {
		r.stopTimerLocked(deviceId)
	}
}

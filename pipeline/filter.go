package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/metrics"
	"github.com/geotrail/gtrd/model"
	"github.com/geotrail/gtrd/storage"
)

const knotsPerMeterPerSecond = 1.943844

// deviceFilterWindow is the device attribute carrying a daily exclusion
// window in "HH:MM-HH:MM" UTC form. Fixes inside the window are dropped.
const deviceFilterWindow = "filterWindow"

// FilterHandler drops positions matching any enabled predicate. An
// ignition state change relative to the previous accepted position
// bypasses the duplicate, static and distance predicates; a gap longer
// than the skip limit bypasses filtering entirely.
type FilterHandler struct {
	cfg     config.FilterConfig
	store   storage.Storage
	metrics metrics.PipelineMetricsInterface

	lock   sync.Mutex
	counts map[int64]*dailyCount
}

type dailyCount struct {
	day   string
	count int
}

func NewFilterHandler(cfg *config.PipelineConfig, store storage.Storage,
	pipelineMetrics metrics.PipelineMetricsInterface) *FilterHandler {
	return &FilterHandler{
		cfg:     cfg.Filter,
		store:   store,
		metrics: pipelineMetrics,
		counts:  make(map[int64]*dailyCount),
	}
}

func (h *FilterHandler) Name() string {
	return "filter"
}

func (h *FilterHandler) Handle(ctx context.Context, position *model.Position, next func(filtered bool)) {
	if !h.cfg.Enable {
		next(false)
		return
	}
	log := config.GetLogger(ctx)

	last, err := h.store.GetLastPosition(ctx, position.DeviceId)
	if err != nil {
		log.Warnf("Last position lookup failed for device %d: %v", position.DeviceId, err)
	}

	if h.cfg.SkipLimit > 0 && last != nil &&
		position.FixTime.Sub(last.FixTime) > h.cfg.SkipLimit {
		log.Debugf("Device %d silent beyond skip limit, filtering bypassed", position.DeviceId)
		next(false)
		return
	}

	ignitionChanged := last != nil &&
		last.Has(model.KeyIgnition) && position.Has(model.KeyIgnition) &&
		last.GetBool(model.KeyIgnition) != position.GetBool(model.KeyIgnition)

	var triggered []string
	add := func(name string) {
		triggered = append(triggered, name)
	}

	if h.cfg.Invalid && !position.Valid {
		add("invalid")
	}
	if h.cfg.Zero && position.Latitude == 0 && position.Longitude == 0 {
		add("zero")
	}
	if h.cfg.Outdated && position.Outdated {
		add("outdated")
	}
	now := time.Now()
	if h.cfg.Future > 0 && position.FixTime.After(now.Add(h.cfg.Future)) {
		add("future")
	}
	if h.cfg.Past > 0 && position.FixTime.Before(now.Add(-h.cfg.Past)) {
		add("past")
	}
	if h.cfg.Accuracy > 0 && position.Accuracy > h.cfg.Accuracy {
		add("accuracy")
	}
	if h.cfg.Approximate && position.GetBool(model.KeyApproximate) {
		add("approximate")
	}
	if h.cfg.Static && position.Speed == 0 && !ignitionChanged {
		add("static")
	}
	if h.cfg.Duplicate && h.isDuplicate(position, last) && !ignitionChanged {
		add("duplicate")
	}
	if h.cfg.Distance > 0 && last != nil && !ignitionChanged {
		meters := Haversine(last.Latitude, last.Longitude, position.Latitude, position.Longitude)
		if meters < h.cfg.Distance {
			add("distance")
		}
	}
	if h.cfg.MaxSpeed > 0 && last != nil {
		if elapsed := position.FixTime.Sub(last.FixTime).Seconds(); elapsed > 0 {
			meters := Haversine(last.Latitude, last.Longitude, position.Latitude, position.Longitude)
			if meters/elapsed*knotsPerMeterPerSecond > h.cfg.MaxSpeed {
				add("maxSpeed")
			}
		}
	}
	if h.cfg.MinPeriod > 0 && last != nil &&
		position.FixTime.Sub(last.FixTime) < h.cfg.MinPeriod {
		add("minPeriod")
	}
	if h.cfg.DailyLimit > 0 && h.overDailyLimit(position.DeviceId, position.FixTime) {
		add("dailyLimit")
	}
	if h.inExclusionWindow(ctx, position) {
		add("calendar")
	}

	if len(triggered) == 0 {
		next(false)
		return
	}
	log.Infof("Position of device %d filtered by %s", position.DeviceId, strings.Join(triggered, ", "))
	if h.metrics != nil {
		h.metrics.AddFilteredPositions(1)
	}
	next(true)
}

// isDuplicate requires identical fix times and the new attribute set being
// a subset of the previous one, ignoring the configured allow list.
func (h *FilterHandler) isDuplicate(position, last *model.Position) bool {
	if last == nil || !position.FixTime.Equal(last.FixTime) {
		return false
	}
	for key := range position.Attributes {
		if h.skippedAttribute(key) {
			continue
		}
		if !last.Has(key) {
			return false
		}
	}
	return true
}

func (h *FilterHandler) skippedAttribute(key string) bool {
	for _, skipped := range h.cfg.SkipAttributes {
		if key == skipped {
			return true
		}
	}
	return false
}

func (h *FilterHandler) overDailyLimit(deviceId int64, fixTime time.Time) bool {
	day := fixTime.UTC().Format("2006-01-02")
	h.lock.Lock()
	defer h.lock.Unlock()
	counter, ok := h.counts[deviceId]
	if !ok || counter.day != day {
		counter = &dailyCount{day: day}
		h.counts[deviceId] = counter
	}
	counter.count++
	return counter.count > h.cfg.DailyLimit
}

// inExclusionWindow checks the per device daily window attribute. Parse
// failures disable the window for that position.
func (h *FilterHandler) inExclusionWindow(ctx context.Context, position *model.Position) bool {
	device, err := h.store.GetDeviceById(ctx, position.DeviceId)
	if err != nil || device == nil {
		return false
	}
	window, ok := device.Attributes[deviceFilterWindow].(string)
	if !ok {
		return false
	}
	parts := strings.Split(window, "-")
	if len(parts) != 2 {
		return false
	}
	start, err1 := time.Parse("15:04", strings.TrimSpace(parts[0]))
	end, err2 := time.Parse("15:04", strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		config.GetLogger(ctx).Warnf("Device %d has malformed %s attribute %q",
			device.Id, deviceFilterWindow, window)
		return false
	}
	fix := position.FixTime.UTC()
	minute := fix.Hour()*60 + fix.Minute()
	startMinute := start.Hour()*60 + start.Minute()
	endMinute := end.Hour()*60 + end.Minute()
	if startMinute <= endMinute {
		return minute >= startMinute && minute < endMinute
	}
	return minute >= startMinute || minute < endMinute
}

package pipeline

import (
	"context"
	"time"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/gtr9"
	"github.com/geotrail/gtrd/model"
)

// TimeHandler re-applies the GPS week rollover correction at pipeline
// entry and optionally overrides the fix time with the server receive
// time. The decoder already corrects rollover, but positions can also
// enter the pipeline from replays where that did not happen; the
// correction is idempotent so applying it twice is safe. An optional
// protocol allow-list restricts time handling to the named protocols.
type TimeHandler struct {
	override  string
	protocols map[string]struct{}
}

func NewTimeHandler(cfg *config.PipelineConfig) *TimeHandler {
	handler := &TimeHandler{override: cfg.TimeOverride}
	if len(cfg.TimeProtocols) > 0 {
		handler.protocols = make(map[string]struct{})
		for _, protocol := range cfg.TimeProtocols {
			handler.protocols[protocol] = struct{}{}
		}
	}
	return handler
}

func (h *TimeHandler) Name() string {
	return "time"
}

func (h *TimeHandler) Handle(ctx context.Context, position *model.Position, next func(filtered bool)) {
	if h.protocols != nil {
		if _, ok := h.protocols[position.Protocol]; !ok {
			next(false)
			return
		}
	}

	now := time.Now()
	position.FixTime = gtr9.AdjustRollover(position.FixTime, now)
	position.DeviceTime = gtr9.AdjustRollover(position.DeviceTime, now)

	if h.override == config.TimeOverrideServerTime {
		position.FixTime = position.ServerTime
		position.DeviceTime = position.ServerTime
	}
	next(false)
}

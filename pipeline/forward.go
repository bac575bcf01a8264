package pipeline

import (
	"context"
	"time"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/metrics"
	"github.com/geotrail/gtrd/model"
)

// Sink receives processed positions for external delivery.
type Sink interface {
	Forward(ctx context.Context, position *model.Position) error
}

// ForwardHandler delivers positions to the sink in the background with
// exponential backoff. Retries are bounded per position and by a global
// in-flight cap; a position that cannot claim a slot is dropped with a
// warning rather than backing the pipeline up.
type ForwardHandler struct {
	ctx     context.Context
	sink    Sink
	delay   time.Duration
	retries int
	slots   chan struct{}
	metrics metrics.PipelineMetricsInterface
}

func NewForwardHandler(ctx context.Context, cfg *config.ForwardConfig, sink Sink,
	pipelineMetrics metrics.PipelineMetricsInterface) *ForwardHandler {
	return &ForwardHandler{
		ctx:     ctx,
		sink:    sink,
		delay:   cfg.RetryDelay,
		retries: cfg.RetryCount,
		slots:   make(chan struct{}, cfg.RetryLimit),
		metrics: pipelineMetrics,
	}
}

func (h *ForwardHandler) Name() string {
	return "forward"
}

func (h *ForwardHandler) Handle(ctx context.Context, position *model.Position, next func(filtered bool)) {
	if h.sink == nil {
		next(false)
		return
	}
	select {
	case h.slots <- struct{}{}:
		go h.send(position)
	default:
		config.GetLogger(ctx).Warnf("Forwarding capacity exhausted, dropping position of device %d",
			position.DeviceId)
		if h.metrics != nil {
			h.metrics.AddDroppedForwards(1)
		}
	}
	next(false)
}

func (h *ForwardHandler) send(position *model.Position) {
	defer func() { <-h.slots }()
	log := config.GetLogger(h.ctx)

	delay := h.delay
	var lastErr error
	for attempt := 0; attempt <= h.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-h.ctx.Done():
				return
			}
			delay *= 2
		}
		if lastErr = h.sink.Forward(h.ctx, position); lastErr == nil {
			if h.metrics != nil {
				h.metrics.AddForwardedPositions(1)
			}
			return
		}
	}
	log.Warnf("Dropping position of device %d after %d forward attempts: %v",
		position.DeviceId, h.retries+1, lastErr)
	if h.metrics != nil {
		h.metrics.AddDroppedForwards(1)
	}
}

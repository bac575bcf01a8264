package pipeline

import (
	"context"

	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/metrics"
	"github.com/geotrail/gtrd/model"
	"github.com/geotrail/gtrd/storage"
)

// PersistHandler stores the position. Storage failure is logged and the
// chain continues; the position then has no id, which later stages use to
// tell an unpersisted position from a stored one.
type PersistHandler struct {
	store   storage.Storage
	metrics metrics.PipelineMetricsInterface
}

func NewPersistHandler(store storage.Storage, pipelineMetrics metrics.PipelineMetricsInterface) *PersistHandler {
	return &PersistHandler{store: store, metrics: pipelineMetrics}
}

func (h *PersistHandler) Name() string {
	return "persist"
}

func (h *PersistHandler) Handle(ctx context.Context, position *model.Position, next func(filtered bool)) {
	if _, err := h.store.AddPosition(ctx, position); err != nil {
		config.GetLogger(ctx).Errorf("Failed to store position of device %d: %v",
			position.DeviceId, err)
		position.Id = 0
	} else if h.metrics != nil {
		h.metrics.AddStoredPositions(1)
	}
	next(false)
}

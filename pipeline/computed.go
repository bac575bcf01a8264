package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/Knetic/govaluate"
	"github.com/geotrail/gtrd/config"
	"github.com/geotrail/gtrd/model"
	"github.com/geotrail/gtrd/storage"
)

// ComputedAttribute is one user defined expression. The result lands in
// the attribute map, or overrides a core field when Attribute names one of
// the reserved targets (valid, latitude, longitude, altitude, speed,
// course, accuracy).
type ComputedAttribute struct {
	Attribute  string
	Expression string
}

// ComputedHandler evaluates configured expressions against the position,
// its device and the last known position. Every expression is sandboxed to
// the parameters passed in; a failing expression is logged and skipped
// without touching the position.
type ComputedHandler struct {
	store storage.Storage

	lock       sync.RWMutex
	attributes []compiledAttribute
}

type compiledAttribute struct {
	attribute  string
	expression *govaluate.EvaluableExpression
}

func NewComputedHandler(store storage.Storage) *ComputedHandler {
	return &ComputedHandler{store: store}
}

func (h *ComputedHandler) Name() string {
	return "computed"
}

// SetAttributes replaces the expression set. Parse failures reject only
// the broken expression.
func (h *ComputedHandler) SetAttributes(ctx context.Context, attributes []ComputedAttribute) error {
	log := config.GetLogger(ctx)

	var compiled []compiledAttribute
	var firstErr error
	for _, attribute := range attributes {
		expression, err := govaluate.NewEvaluableExpression(attribute.Expression)
		if err != nil {
			log.Errorf("Rejected computed attribute %s: %v", attribute.Attribute, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid expression for %s: %v", attribute.Attribute, err)
			}
			continue
		}
		compiled = append(compiled, compiledAttribute{
			attribute:  attribute.Attribute,
			expression: expression,
		})
	}

	h.lock.Lock()
	h.attributes = compiled
	h.lock.Unlock()
	return firstErr
}

func (h *ComputedHandler) Handle(ctx context.Context, position *model.Position, next func(filtered bool)) {
	h.lock.RLock()
	attributes := h.attributes
	h.lock.RUnlock()

	if len(attributes) == 0 {
		next(false)
		return
	}
	log := config.GetLogger(ctx)

	parameters := h.parameters(ctx, position)
	for _, attribute := range attributes {
		result, err := attribute.expression.Evaluate(parameters)
		if err != nil {
			log.Warnf("Computed attribute %s failed for device %d: %v",
				attribute.attribute, position.DeviceId, err)
			continue
		}
		if err := applyComputed(position, attribute.attribute, result); err != nil {
			log.Warnf("Computed attribute %s result rejected for device %d: %v",
				attribute.attribute, position.DeviceId, err)
		}
	}
	next(false)
}

func (h *ComputedHandler) parameters(ctx context.Context, position *model.Position) map[string]interface{} {
	parameters := map[string]interface{}{
		"valid":     position.Valid,
		"latitude":  position.Latitude,
		"longitude": position.Longitude,
		"altitude":  position.Altitude,
		"speed":     position.Speed,
		"course":    position.Course,
		"accuracy":  position.Accuracy,
	}
	for key, value := range position.Attributes {
		parameters[key] = value
	}
	if device, err := h.store.GetDeviceById(ctx, position.DeviceId); err == nil && device != nil {
		parameters["deviceName"] = device.Name
		parameters["uniqueId"] = device.UniqueId
	}
	if last, err := h.store.GetLastPosition(ctx, position.DeviceId); err == nil && last != nil {
		parameters["lastSpeed"] = last.Speed
		parameters["lastLatitude"] = last.Latitude
		parameters["lastLongitude"] = last.Longitude
	}
	return parameters
}

func applyComputed(position *model.Position, attribute string, result interface{}) error {
	switch attribute {
	case "valid":
		value, ok := result.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", result)
		}
		position.Valid = value
	case "latitude", "longitude", "altitude", "speed", "course", "accuracy":
		value, ok := result.(float64)
		if !ok {
			return fmt.Errorf("expected number, got %T", result)
		}
		switch attribute {
		case "latitude":
			position.Latitude = value
		case "longitude":
			position.Longitude = value
		case "altitude":
			position.Altitude = value
		case "speed":
			position.Speed = value
		case "course":
			position.Course = value
		case "accuracy":
			position.Accuracy = value
		}
	default:
		position.Set(attribute, result)
	}
	return nil
}

package pipeline

import (
	"testing"
	"time"

	"github.com/geotrail/gtrd/config"
)

func TestTimeHandlerRolloverReapplied(t *testing.T) {
	ctx := testContext()
	handler := NewTimeHandler(&config.PipelineConfig{TimeOverride: config.TimeOverrideDeviceTime})

	ancient := time.Date(2004, 11, 14, 10, 0, 0, 0, time.UTC)
	position := validPosition(1, ancient)
	runNext(handler, ctx, position)

	if !position.FixTime.After(ancient) {
		t.Errorf("Expected rollover correction, fix time still %v", position.FixTime)
	}
}

func TestTimeHandlerServerTimeOverride(t *testing.T) {
	ctx := testContext()
	handler := NewTimeHandler(&config.PipelineConfig{TimeOverride: config.TimeOverrideServerTime})

	position := validPosition(1, time.Now().Add(-time.Hour))
	runNext(handler, ctx, position)

	if !position.FixTime.Equal(position.ServerTime) {
		t.Errorf("Expected fix time overridden by server time")
	}
}

func TestTimeHandlerProtocolAllowList(t *testing.T) {
	ctx := testContext()
	handler := NewTimeHandler(&config.PipelineConfig{
		TimeOverride:  config.TimeOverrideServerTime,
		TimeProtocols: []string{"somethingelse"},
	})

	fixTime := time.Date(2004, 11, 14, 10, 0, 0, 0, time.UTC)
	position := validPosition(1, fixTime)
	runNext(handler, ctx, position)

	if !position.FixTime.Equal(fixTime) {
		t.Errorf("Protocol outside the allow-list must be untouched, got %v", position.FixTime)
	}
}

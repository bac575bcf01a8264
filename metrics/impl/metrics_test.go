package impl

import (
	"context"
	"testing"
)

const (
	metricsFilename = "/tmp/gtrd.met"
)

func TestPersistency(t *testing.T) {
	// Save

	m := Metrics{
		ctx:      context.Background(),
		fileName: metricsFilename,
		values: &persistentMetrics{
			SentBytes:          0,
			ReceivedBytes:      1,
			SentPackages:       2,
			ReceivedPackages:   3,
			MalformedPackages:  4,
			RejectedPackages:   5,
			DecodedPositions:   6,
			FilteredPositions:  7,
			StoredPositions:    8,
			ForwardedPositions: 9,
			DroppedForwards:    10,
			SentCommands:       11,
			QueuedCommands:     12,
		},
	}

	err := m.save()
	if err != nil {
		t.Logf("Failed to save. %v", err)
		t.Fail()
	}

	// Load

	m2 := Metrics{
		ctx:      context.Background(),
		fileName: metricsFilename,
		values:   &persistentMetrics{},
	}
	m2.load()

	// Compare

	if m.GetMalformedPackages() != m2.GetMalformedPackages() ||
		m.GetReceivedBytes() != m2.GetReceivedBytes() ||
		m.GetReceivedPackages() != m2.GetReceivedPackages() ||
		m.GetSentBytes() != m2.GetSentBytes() ||
		m.GetSentPackages() != m2.GetSentPackages() ||
		m.GetRejectedPackages() != m2.GetRejectedPackages() ||
		m.GetDecodedPositions() != m2.GetDecodedPositions() ||
		m.GetFilteredPositions() != m2.GetFilteredPositions() ||
		m.GetStoredPositions() != m2.GetStoredPositions() ||
		m.GetForwardedPositions() != m2.GetForwardedPositions() ||
		m.GetDroppedForwards() != m2.GetDroppedForwards() ||
		m.GetSentCommands() != m2.GetSentCommands() ||
		m.GetQueuedCommands() != m2.GetQueuedCommands() {
		t.Logf("Expected values: %+v, Actual values: %+v", m.values, m2.values)
		t.Fail()
	}
}

package pipeline

import (
	"testing"
	"time"

	"github.com/geotrail/gtrd/storage"
)

func TestComputedAttributeEvaluation(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	handler := NewComputedHandler(store)

	err := handler.SetAttributes(ctx, []ComputedAttribute{
		{Attribute: "overspeed", Expression: "speed > 50"},
		{Attribute: "speedKmh", Expression: "speed * 1.852"},
	})
	if err != nil {
		t.Fatalf("SetAttributes failed. %v", err)
	}

	position := validPosition(1, time.Now())
	position.Speed = 60
	if runNext(handler, ctx, position) {
		t.Fatalf("Computed handler must never drop positions")
	}

	if !position.GetBool("overspeed") {
		t.Errorf("Expected overspeed attribute to be true")
	}
	if position.GetFloat("speedKmh") != 60*1.852 {
		t.Errorf("Wrong speedKmh! Expected: %f Actual: %f", 60*1.852, position.GetFloat("speedKmh"))
	}
}

func TestComputedFieldOverride(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	handler := NewComputedHandler(store)

	err := handler.SetAttributes(ctx, []ComputedAttribute{
		{Attribute: "speed", Expression: "speed * 2"},
	})
	if err != nil {
		t.Fatalf("SetAttributes failed. %v", err)
	}

	position := validPosition(1, time.Now())
	position.Speed = 25
	runNext(handler, ctx, position)

	if position.Speed != 50 {
		t.Errorf("Wrong speed! Expected: 50 Actual: %f", position.Speed)
	}
}

func TestComputedTypeMismatchLeavesField(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	handler := NewComputedHandler(store)

	err := handler.SetAttributes(ctx, []ComputedAttribute{
		{Attribute: "speed", Expression: "'fast'"},
	})
	if err != nil {
		t.Fatalf("SetAttributes failed. %v", err)
	}

	position := validPosition(1, time.Now())
	position.Speed = 25
	runNext(handler, ctx, position)

	if position.Speed != 25 {
		t.Errorf("Type mismatch must not touch the field, got %f", position.Speed)
	}
}

// One broken expression must not take down the rest of the set, neither at
// parse time nor at evaluation time.
func TestComputedErrorIsolation(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	handler := NewComputedHandler(store)

	err := handler.SetAttributes(ctx, []ComputedAttribute{
		{Attribute: "broken", Expression: "(("},
		{Attribute: "working", Expression: "speed + 1"},
	})
	if err == nil {
		t.Errorf("Expected parse error for the broken expression")
	}

	position := validPosition(1, time.Now())
	position.Speed = 10
	runNext(handler, ctx, position)

	if position.GetFloat("working") != 11 {
		t.Errorf("Valid expression must survive a broken sibling, got %f", position.GetFloat("working"))
	}
	if position.Has("broken") {
		t.Errorf("Broken expression must not produce an attribute")
	}
}

func TestComputedEvaluationErrorSkipsAttribute(t *testing.T) {
	ctx := testContext()
	store := storage.NewMemoryStorage()
	handler := NewComputedHandler(store)

	err := handler.SetAttributes(ctx, []ComputedAttribute{
		{Attribute: "first", Expression: "nosuchparameter + 1"},
		{Attribute: "second", Expression: "speed"},
	})
	if err != nil {
		t.Fatalf("SetAttributes failed. %v", err)
	}

	position := validPosition(1, time.Now())
	position.Speed = 5
	runNext(handler, ctx, position)

	if position.Has("first") {
		t.Errorf("Failed evaluation must not produce an attribute")
	}
	if position.GetFloat("second") != 5 {
		t.Errorf("Later attribute must still evaluate, got %f", position.GetFloat("second"))
	}
}

package queue

import (
	"testing"

	"github.com/stormstack/engine/internal/apierr"
)

func TestDrainPreservesInsertionOrder(t *testing.T) {
	q := New("m1", 0)

	for i := 0; i < 5; i++ {
		if err := q.Enqueue("move", map[string]any{"i": float64(i)}, "", 3, 0); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	// A later tick's command enqueued last drains last: Drain orders by
	// insertion sequence across every tick it covers.
	if err := q.Enqueue("late", nil, "", 4, 0); err != nil {
		t.Fatal(err)
	}

	cmds := q.Drain(4)
	if len(cmds) != 6 {
		t.Fatalf("drain: want 6 commands, got %d", len(cmds))
	}
	for i := 0; i < 5; i++ {
		if cmds[i].Payload["i"] != float64(i) {
			t.Fatalf("command %d out of order: %+v", i, cmds[i])
		}
	}
	if cmds[5].Name != "late" {
		t.Fatalf("tick-4 command should drain last, got %q", cmds[5].Name)
	}

	if q.Pending() != 0 {
		t.Errorf("drain should remove commands atomically, %d left", q.Pending())
	}
}

func TestDrainLeavesFutureTicks(t *testing.T) {
	q := New("m1", 0)
	_ = q.Enqueue("now", nil, "", 1, 0)
	_ = q.Enqueue("later", nil, "", 5, 0)

	cmds := q.Drain(1)
	if len(cmds) != 1 || cmds[0].Name != "now" {
		t.Fatalf("drain(1): got %+v", cmds)
	}
	if q.Pending() != 1 {
		t.Errorf("future command should stay queued")
	}
}

func TestPastTickRejected(t *testing.T) {
	q := New("m1", 0)
	err := q.Enqueue("stale", nil, "", 1, 5)
	if !apierr.Is(err, apierr.KindInvalidState) {
		t.Fatalf("past target tick: want InvalidState, got %v", err)
	}
}

func TestOverflowRejectsWithBackpressure(t *testing.T) {
	q := New("m1", 3)
	for i := 0; i < 3; i++ {
		if err := q.Enqueue("c", nil, "", 1, 0); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	err := q.Enqueue("c", nil, "", 1, 0)
	if !apierr.Is(err, apierr.KindResourceExhausted) {
		t.Fatalf("overflow: want ResourceExhausted, got %v", err)
	}
	// Other ticks are unaffected by one tick's saturation.
	if err := q.Enqueue("c", nil, "", 2, 0); err != nil {
		t.Errorf("enqueue on different tick: %v", err)
	}
}

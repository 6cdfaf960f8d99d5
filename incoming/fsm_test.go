package incoming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// collectEvents launches the kit's event loop with a handler that forwards
// every event into the returned channel.
func collectEvents(k *fsmKit) chan fsmEvent {
	events := make(chan fsmEvent, 8)
	k.launch(func(event fsmEvent) {
		events <- event
	})

	return events
}

// expectNoEvent asserts that nothing is delivered within a short window.
func expectNoEvent(t *testing.T, events chan fsmEvent) {
	t.Helper()

	select {
	case event := <-events:
		t.Fatalf("unexpected event %T", event)
	case <-time.After(50 * time.Millisecond):
	}
}

// expectTimeout asserts that a timeout event is delivered.
func expectTimeout(t *testing.T, events chan fsmEvent) {
	t.Helper()

	select {
	case event := <-events:
		require.IsType(t, cmdTimeoutEvent{}, event)
	case <-time.After(time.Second):
		t.Fatal("no timeout event delivered")
	}
}

// TestReplaceWorkDelivers checks the basic deferred delivery of the
// collection timeout.
func TestReplaceWorkDelivers(t *testing.T) {
	t.Parallel()

	ctx := newTestCtx(t)
	kit := newFSMKit(finalTag(testPreimage(51).Hash()), ctx.reg)
	t.Cleanup(kit.halt)

	events := collectEvents(&kit)

	kit.replaceWork()
	expectNoEvent(t, events)

	ctx.clock.SetTime(ctx.clock.Now().Add(2 * time.Minute))
	expectTimeout(t, events)
}

// TestReplaceWorkReplacesPending checks that re-arming cancels the
// previously pending delivery instead of stacking a second one.
func TestReplaceWorkReplacesPending(t *testing.T) {
	t.Parallel()

	ctx := newTestCtx(t)
	kit := newFSMKit(finalTag(testPreimage(52).Hash()), ctx.reg)
	t.Cleanup(kit.halt)

	events := collectEvents(&kit)
	start := ctx.clock.Now()

	kit.replaceWork()

	// Half the grace period later another part arrives and re-arms.
	ctx.clock.SetTime(start.Add(30 * time.Second))
	kit.replaceWork()

	// Past the first deadline, before the second: the canceled delivery
	// must not fire.
	ctx.clock.SetTime(start.Add(70 * time.Second))
	expectNoEvent(t, events)

	// Past the second deadline: exactly one delivery.
	ctx.clock.SetTime(start.Add(2 * time.Minute))
	expectTimeout(t, events)
	expectNoEvent(t, events)
}

// TestDropWorkCancels checks that a canceled timeout never fires.
func TestDropWorkCancels(t *testing.T) {
	t.Parallel()

	ctx := newTestCtx(t)
	kit := newFSMKit(finalTag(testPreimage(53).Hash()), ctx.reg)
	t.Cleanup(kit.halt)

	events := collectEvents(&kit)

	kit.replaceWork()
	kit.dropWork()

	ctx.clock.SetTime(ctx.clock.Now().Add(2 * time.Minute))
	expectNoEvent(t, events)
}

package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/artemis/depupgrade/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe_SeqOrdering(t *testing.T) {
	b := NewBus(nil, 4, nil)

	sub, err := b.Subscribe("m1")
	require.Error(t, err, "subscribing before the first publish has no topic and no lookup")

	b.Publish("m1", workflow.EventWorkflowStart, "", nil)
	sub, err = b.Subscribe("m1")
	require.NoError(t, err)

	b.Publish("m1", workflow.EventPhaseEnter, "planner", "PLANNING")
	b.Publish("m1", workflow.EventPhaseEnter, "validator", "VALIDATING")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var seqs []uint64
	for i := 0; i < 2; i++ {
		evt, ok := sub.Next(ctx)
		require.True(t, ok)
		seqs = append(seqs, evt.Seq)
	}
	assert.Equal(t, []uint64{2, 3}, seqs)
}

func TestSubscribe_UnknownMigration(t *testing.T) {
	b := NewBus(nil, 4, nil)
	_, err := b.Subscribe("does-not-exist")
	assert.ErrorIs(t, err, ErrUnknownMigration)
}

type fakeLookup struct {
	evt   workflow.Event
	found bool
}

func (f fakeLookup) LookupTerminalEvent(migrationID string) (workflow.Event, bool) {
	return f.evt, f.found
}

func TestSubscribe_ReplaysTerminalEventForLateSubscriber(t *testing.T) {
	terminal := workflow.Event{
		MigrationID: "m2",
		Seq:         7,
		Kind:        workflow.EventTerminalSuccess,
	}
	b := NewBus(nil, 4, fakeLookup{evt: terminal, found: true})

	sub, err := b.Subscribe("m2")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	evt, ok := sub.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, terminal.Seq, evt.Seq)
	assert.True(t, evt.Kind.IsTerminal())
}

func TestPublish_OverflowDropsOldestNonTerminal(t *testing.T) {
	b := NewBus(nil, 2, nil)
	b.Publish("m3", workflow.EventWorkflowStart, "", nil)
	sub, err := b.Subscribe("m3")
	require.NoError(t, err)

	b.Publish("m3", workflow.EventPhaseEnter, "", "a")
	b.Publish("m3", workflow.EventPhaseEnter, "", "b")
	b.Publish("m3", workflow.EventPhaseEnter, "", "c")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var payloads []interface{}
	for {
		select {
		case <-ctx.Done():
			t.Fatal("timed out draining subscription")
		default:
		}
		evt, ok := sub.Next(timeoutCtx(50 * time.Millisecond))
		if !ok {
			break
		}
		payloads = append(payloads, evt.Payload)
	}

	assert.Equal(t, []interface{}{"b", "c"}, payloads)
	assert.Equal(t, uint64(1), sub.DroppedCount())
}

func TestPublish_NeverDropsTerminalEvent(t *testing.T) {
	b := NewBus(nil, 1, nil)
	b.Publish("m4", workflow.EventWorkflowStart, "", nil)
	sub, err := b.Subscribe("m4")
	require.NoError(t, err)

	b.Publish("m4", workflow.EventPhaseEnter, "", "a")
	b.Publish("m4", workflow.EventTerminalFailure, "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var last workflow.Event
	for {
		evt, ok := sub.Next(timeoutCtx(50 * time.Millisecond))
		if !ok {
			break
		}
		last = evt
		_ = ctx
	}
	assert.True(t, last.Kind.IsTerminal())
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := NewBus(nil, 4, nil)
	b.Publish("m5", workflow.EventWorkflowStart, "", nil)
	sub, err := b.Subscribe("m5")
	require.NoError(t, err)

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	_, ok := sub.Next(timeoutCtx(10 * time.Millisecond))
	assert.False(t, ok)
}

func timeoutCtx(d time.Duration) context.Context {
	ctx, _ := context.WithTimeout(context.Background(), d)
	return ctx
}

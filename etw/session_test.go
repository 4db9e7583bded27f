package etw

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestControllerEnableHandsOffHandleToCollector(t *testing.T) {
	ctrl, coll, h := NewNopPumpSession("test-session")
	require.NoError(t, ctrl.Start())
	require.NoError(t, ctrl.Enable("{00000000-0000-0000-0000-000000000000}"))

	h.Inject(Event{ProviderGUID: "p1", Opcode: 1})
	h.Inject(Event{ProviderGUID: "p2", Opcode: 2})

	var got []Event
	seen := 0
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := coll.Run(ctx, func() bool {
		seen++
		return seen > 2
	}, func(ev Event) {
		got = append(got, ev)
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "p1", got[0].ProviderGUID)
	require.Equal(t, "p2", got[1].ProviderGUID)
}

func TestControllerStopWaitsForCollectorHandback(t *testing.T) {
	ctrl, coll, _ := NewNopPumpSession("test-session")
	require.NoError(t, ctrl.Start())
	require.NoError(t, ctrl.Enable())

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- coll.Run(context.Background(), func() bool {
			select {
			case <-stop:
				return true
			default:
				return false
			}
		}, func(Event) {})
	}()

	close(stop)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ctrl.Stop(ctx))
	require.NoError(t, <-done)
}

func TestControllerEnableWithoutHandleFails(t *testing.T) {
	ctrl, _, _ := NewNopPumpSession("test-session")
	require.NoError(t, ctrl.Start())
	require.NoError(t, ctrl.Enable())
	require.Error(t, ctrl.Enable())
}

func TestCollectorRunRespectsContextCancellation(t *testing.T) {
	ctrl, coll, _ := NewNopPumpSession("test-session")
	require.NoError(t, ctrl.Start())
	require.NoError(t, ctrl.Enable())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- coll.Run(ctx, func() bool { return false }, func(Event) {})
	}()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

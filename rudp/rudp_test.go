package rudp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-rudp/rudp/internal/netsim"
)

func TestStartRejectsNilDeserializer(t *testing.T) {
	connA, connB := netsim.Pipe(0, 0)
	defer connA.Close()
	defer connB.Close()

	_, err := Start(connA, Config{})
	require.ErrorIs(t, err, ErrNoDeserializer)
}

// TestHaltClosesSubmitAndDeliver is scenario S6 and testable property
// 7: once the engine is halted (standing in for the underlying socket
// dying), both host-facing channels close rather than blocking
// forever.
func TestHaltClosesSubmitAndDeliver(t *testing.T) {
	connA, connB := netsim.Pipe(0, 0)
	defer connB.Close()

	e, err := Start(connA, Config{Timeout: 10 * time.Millisecond, MaxRetry: 3, Deserialize: textDeserialize})
	require.NoError(t, err)

	e.Halt()
	e.Wait()

	_, submitOpen := <-e.submit.Out()
	require.False(t, submitOpen, "Submit must close once the engine has torn down")

	_, deliverOpen := <-e.Deliver()
	require.False(t, deliverOpen, "Deliver must close once the engine has torn down")
}

// TestErrAndTryDeliverReportErrClosedAfterHalt exercises the
// Submit/Deliver-adjacent convenience wrappers: once the engine has
// torn down, Err reports it immediately and TryDeliver returns
// ErrClosed instead of blocking forever.
func TestErrAndTryDeliverReportErrClosedAfterHalt(t *testing.T) {
	connA, connB := netsim.Pipe(0, 0)
	defer connB.Close()

	e, err := Start(connA, Config{Timeout: 10 * time.Millisecond, MaxRetry: 3, Deserialize: textDeserialize})
	require.NoError(t, err)

	require.NoError(t, e.Err(), "still running")

	e.Halt()
	e.Wait()

	require.ErrorIs(t, e.Err(), ErrClosed)

	_, err = e.TryDeliver()
	require.ErrorIs(t, err, ErrClosed)
}

// TestFatalReportedOnSocketFailure exercises the max-retry socket
// failure path end to end: a conn that is already closed before Start
// makes every receiver read fail immediately, and once consecutive
// failures reach MaxRetry the engine reports a fatal error and tears
// itself down.
func TestFatalReportedOnSocketFailure(t *testing.T) {
	connA, connB := netsim.Pipe(0, 0)
	connB.Close()
	require.NoError(t, connA.Close())

	e, err := Start(connA, Config{Timeout: 10 * time.Millisecond, MaxRetry: 2, Deserialize: textDeserialize})
	require.NoError(t, err)
	defer e.Halt()

	select {
	case ferr := <-e.Fatal():
		require.ErrorIs(t, ferr, ErrMaxRetryExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fatal error after the peer closed the link")
	}

	_, deliverOpen := <-e.Deliver()
	require.False(t, deliverOpen)
}

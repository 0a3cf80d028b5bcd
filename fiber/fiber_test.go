package fiber_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mordor-go/mordor/fiber"
)

// TestPingPong mirrors spec.md §8's "Fiber ping-pong" scenario: main
// creates fiber A with entry "print; yield; print", calls A twice, and
// expects the trace main/A/main/A/main with A in TERM after the second
// call.
func TestPingPong(t *testing.T) {
	var trace []string

	main := fiber.NewCurrent("main")
	ctx := fiber.WithCurrent(context.Background(), main)

	a := fiber.New("A", 0, func(ctx context.Context) error {
		trace = append(trace, "A")
		ctx = fiber.Yield(ctx)
		trace = append(trace, "A")
		return nil
	})

	trace = append(trace, "main")
	require.NoError(t, a.Call(ctx))
	trace = append(trace, "main")
	require.Equal(t, fiber.StateHold, a.State())

	require.NoError(t, a.Call(ctx))
	trace = append(trace, "main")
	require.Equal(t, fiber.StateTerm, a.State())

	require.Equal(t, []string{"main", "A", "main", "A", "main"}, trace)
}

func TestStateTransitions(t *testing.T) {
	main := fiber.NewCurrent("main")
	ctx := fiber.WithCurrent(context.Background(), main)

	f := fiber.New("f", 0, func(ctx context.Context) error {
		fiber.Yield(ctx)
		return nil
	})
	require.Equal(t, fiber.StateInit, f.State())

	require.NoError(t, f.Call(ctx))
	require.Equal(t, fiber.StateHold, f.State())

	require.NoError(t, f.Call(ctx))
	require.Equal(t, fiber.StateTerm, f.State())
}

func TestUncaughtErrorReraisesOnCaller(t *testing.T) {
	main := fiber.NewCurrent("main")
	ctx := fiber.WithCurrent(context.Background(), main)

	boom := errors.New("boom")
	f := fiber.New("f", 0, func(ctx context.Context) error {
		return boom
	})

	err := f.Call(ctx)
	require.ErrorIs(t, err, boom)
	require.Equal(t, fiber.StateExcept, f.State())
	require.ErrorIs(t, f.Err(), boom)
}

func TestResetReRunsFromTheTop(t *testing.T) {
	main := fiber.NewCurrent("main")
	ctx := fiber.WithCurrent(context.Background(), main)

	runs := 0
	f := fiber.New("f", 0, func(ctx context.Context) error {
		runs++
		return nil
	})

	require.NoError(t, f.Call(ctx))
	require.Equal(t, fiber.StateTerm, f.State())

	require.NoError(t, f.Reset(nil))
	require.Equal(t, fiber.StateInit, f.State())

	require.NoError(t, f.Call(ctx))
	require.Equal(t, 2, runs)
	require.Equal(t, fiber.StateTerm, f.State())
}

func TestYieldToReturnsToCallerOnTerminate(t *testing.T) {
	main := fiber.NewCurrent("main")
	ctx := fiber.WithCurrent(context.Background(), main)

	target := fiber.New("target", 0, func(ctx context.Context) error {
		return nil
	})

	newCtx, err := fiber.YieldTo(ctx, target, true)
	require.NoError(t, err)
	require.NotNil(t, newCtx)
	require.Equal(t, fiber.StateTerm, target.State())
}

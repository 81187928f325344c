package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testSpec(t *testing.T, script string) Spec {
	t.Helper()
	return Spec{
		DeploymentID:            "dep-1",
		AgentAppID:              "app-1",
		BinaryPath:              "/bin/sh",
		Args:                    []string{"-c", script},
		Env:                     []string{"PATH=/usr/bin:/bin"},
		WorkDir:                 t.TempDir(),
		GracefulShutdownTimeout: 200 * time.Millisecond,
	}
}

func TestStartReportsCleanExit(t *testing.T) {
	p, err := Start(testSpec(t, "exit 0"), zerolog.Nop())
	require.NoError(t, err)
	require.NotZero(t, p.PID())

	select {
	case exit := <-p.Done():
		require.Equal(t, 0, exit.Code)
		require.False(t, exit.Crashed)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
}

func TestStartReportsCrash(t *testing.T) {
	p, err := Start(testSpec(t, "exit 7"), zerolog.Nop())
	require.NoError(t, err)

	select {
	case exit := <-p.Done():
		require.Equal(t, 7, exit.Code)
		require.True(t, exit.Crashed)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
}

func TestStopSendsSigtermAndProcessExitsCleanly(t *testing.T) {
	p, err := Start(testSpec(t, "trap 'exit 0' TERM; while true; do sleep 0.05; done"), zerolog.Nop())
	require.NoError(t, err)

	err = p.Stop(context.Background())
	require.NoError(t, err)

	select {
	case exit := <-p.Done():
		require.False(t, exit.Crashed)
	default:
		t.Fatal("expected exit to already be recorded after Stop returns")
	}
}

func TestStopEscalatesToSigkillWhenChildIgnoresTerm(t *testing.T) {
	p, err := Start(testSpec(t, "trap '' TERM; while true; do sleep 0.05; done"), zerolog.Nop())
	require.NoError(t, err)

	start := time.Now()
	err = p.Stop(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestStreamLinesTagsStdoutAndStderr(t *testing.T) {
	p, err := Start(testSpec(t, "echo out-line; echo err-line 1>&2; exit 0"), zerolog.Nop())
	require.NoError(t, err)

	select {
	case exit := <-p.Done():
		require.Equal(t, 0, exit.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
}

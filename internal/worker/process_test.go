package worker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteCapturesBothStreams(t *testing.T) {
	cmd := NewCommand(context.Background(), t.TempDir(), "sh", "-c", "echo out; echo err >&2")
	out, err := Execute(cmd, nil)
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(out.Stdout))
	assert.Equal(t, "err\n", string(out.Stderr))
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "out\n\nerr\n", out.Combined())
}

func TestExecuteReportsExitCode(t *testing.T) {
	cmd := NewCommand(context.Background(), "", "sh", "-c", "echo broken >&2; exit 3")
	out, err := Execute(cmd, nil)
	require.Error(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "broken\n", out.Combined())
}

func TestExecuteLargeOutputDoesNotDeadlock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// ~256KB on each stream, well past the pipe buffer.
	cmd := NewCommand(ctx, "", "sh", "-c", "i=0; while [ $i -lt 8000 ]; do echo 'line of output padding padding'; echo 'err line padding padding' >&2; i=$((i+1)); done")
	out, err := Execute(cmd, nil)
	require.NoError(t, err)
	assert.Equal(t, 8000, strings.Count(string(out.Stdout), "\n"))
	assert.Equal(t, 8000, strings.Count(string(out.Stderr), "\n"))
}

func TestExecuteMissingBinary(t *testing.T) {
	cmd := NewCommand(context.Background(), "", "definitely-not-a-real-binary-xyz")
	out, err := Execute(cmd, nil)
	require.Error(t, err)
	assert.Equal(t, -1, out.ExitCode)
}

func TestProcessManagerKillAll(t *testing.T) {
	pm := NewProcessManager()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// The child sleep shares the process group and dies with it.
			cmd := NewCommand(context.Background(), "", "sh", "-c", "sleep 30 & wait")
			_, _ = Execute(cmd, pm)
		}()
	}

	require.Eventually(t, func() bool { return pm.Count() == 3 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, pm.KillAll())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processes survived KillAll")
	}
	assert.Equal(t, 0, pm.Count())
}

func TestContextCancelKillsProcessGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := NewCommand(ctx, "", "sh", "-c", "sleep 30 & wait")

	errCh := make(chan error, 1)
	go func() {
		_, err := Execute(cmd, nil)
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not stop the process group")
	}
}

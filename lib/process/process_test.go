package process

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookPath(t *testing.T, name string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX userland")
	}
	p, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return p
}

func TestSpawnPipes(t *testing.T) {
	p, err := Spawn(Spec{Path: lookPath(t, "cat")})
	require.NoError(t, err)
	defer p.Close()

	_, err = io.WriteString(p.Stdin(), "hello worker")
	require.NoError(t, err)
	require.NoError(t, p.CloseStdin())

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "hello worker", string(out))

	assert.NoError(t, p.Wait())
	assert.True(t, p.Exited())
}

func TestSpawnEmptyEnvironment(t *testing.T) {
	t.Setenv("ASMPROBE_PROCESS_TEST_SECRET", "leaked")

	p, err := Spawn(Spec{
		Path: lookPath(t, "sh"),
		Args: []string{"-c", "echo \"[$ASMPROBE_PROCESS_TEST_SECRET][$ONLY]\"; pwd"},
		Env:  []string{"ONLY=this"},
		Dir:  t.TempDir(),
	})
	require.NoError(t, err)
	defer p.Close()

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[][this]", lines[0])
	assert.NotEmpty(t, lines[1])
}

func TestSpawnStderr(t *testing.T) {
	var stderr strings.Builder
	p, err := Spawn(Spec{
		Path:   lookPath(t, "sh"),
		Args:   []string{"-c", "echo oops >&2"},
		Stderr: &stderr,
	})
	require.NoError(t, err)

	require.NoError(t, p.Wait())
	assert.Equal(t, "oops\n", stderr.String())
	assert.NoError(t, p.Close())
}

func TestSpawnMissingBinary(t *testing.T) {
	_, err := Spawn(Spec{Path: "/nonexistent/asmprobe-worker"})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestKillAndStats(t *testing.T) {
	p, err := Spawn(Spec{Path: lookPath(t, "sleep"), Args: []string{"30"}})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats.RSS)

	require.NoError(t, p.Kill())
	select {
	case <-p.Done():
	case <-ctx.Done():
		t.Fatal("process did not exit after Kill")
	}

	var exitErr *exec.ExitError
	assert.True(t, errors.As(p.Wait(), &exitErr))
	assert.NoError(t, p.Kill(), "killing an exited process is a no-op")

	_, err = p.Stats(ctx)
	assert.Error(t, err)

	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}

package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteRejectsEmptyCode(t *testing.T) {
	e := New(nil, nil, nil, testLogger())

	_, err := e.Execute(context.Background(), Request{Code: "   \n"})
	assert.ErrorIs(t, err, ErrCodeMissing)
}

func TestBuildEnvRequestOverridesVault(t *testing.T) {
	e := New(nil, nil, nil, testLogger())

	env, err := e.buildEnv(map[string]string{"FOO": "request", "BAR": "1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"FOO=request", "BAR=1"}, env)
}

func TestSandboxLockIsStablePerSandbox(t *testing.T) {
	e := New(nil, nil, nil, testLogger())

	a := e.sandboxLock("sandbox-a")
	b := e.sandboxLock("sandbox-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, e.sandboxLock("sandbox-a"))
}

func TestBoundedBufferTruncates(t *testing.T) {
	b := newBoundedBuffer(10)

	n, err := b.Write([]byte("0123456789ABCDEF"))
	require.NoError(t, err)
	assert.Equal(t, 16, n, "writes past the cap must not error the copier")

	out := b.String()
	assert.True(t, strings.HasPrefix(out, "0123456789"))
	assert.Contains(t, out, "[output truncated]")
}

func TestBoundedBufferExactFit(t *testing.T) {
	b := newBoundedBuffer(5)
	_, err := b.Write([]byte("12345"))
	require.NoError(t, err)
	assert.Equal(t, "12345", b.String())
}

func TestDeltaClampsToZero(t *testing.T) {
	assert.Equal(t, uint64(0), delta(5, 10), "counter resets must not underflow")
	assert.Equal(t, uint64(7), delta(17, 10))
}

func TestTimeoutMarkerFormat(t *testing.T) {
	marker := strings.TrimPrefix(timeoutMarker, "\n")
	assert.Equal(t, "--- Execution timed out after %d seconds ---", marker)
}

func TestTimeoutMarkerAppendsToOutput(t *testing.T) {
	result := &Result{Output: "partial output\n", Error: "stderr text"}
	applyTimeoutMarker(result, 5)

	assert.True(t, result.TimedOut)
	assert.Equal(t, -1, result.ExitCode)
	assert.True(t, strings.HasSuffix(result.Output, "--- Execution timed out after 5 seconds ---"))
	assert.Equal(t, "stderr text", result.Error, "captured stderr stays untouched when output exists")
}

func TestTimeoutMarkerFallsBackToError(t *testing.T) {
	result := &Result{Error: "boom"}
	applyTimeoutMarker(result, 2)

	assert.Empty(t, result.Output)
	assert.True(t, strings.HasSuffix(result.Error, "--- Execution timed out after 2 seconds ---"))
	assert.True(t, strings.HasPrefix(result.Error, "boom"))
}

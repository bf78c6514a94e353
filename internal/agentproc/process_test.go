package agentproc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kagan/internal/config"
)

// fakeAgentScript writes a tiny shell script that behaves like an agent
// subprocess: it immediately emits a ready message, then echoes back one
// update message per prompt line read from stdin, tagging the response
// with a <complete/> signal so the automation engine's signal scan has
// something real to parse in its own tests.
func fakeAgentScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent.sh")
	script := `#!/bin/sh
echo '{"type":"ready"}'
while IFS= read -r line; do
  case "$line" in
    *'"type":"prompt"'*)
      echo '{"type":"update","text":"done <complete reason=\"ok\"/>","tool":"bash","output":"ok"}'
      ;;
    *'"type":"stop"'*)
      exit 0
      ;;
  esac
done
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestProcessLifecycle(t *testing.T) {
	bin := fakeAgentScript(t)
	cfg := config.CodingConfig{BinaryPath: bin}
	p := NewProcess(cfg, Options{WorkspaceDir: t.TempDir(), TaskID: "abc123"})

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.WaitReady(2*time.Second))

	require.NoError(t, p.SendPrompt(ctx, "implement the thing"))
	require.Eventually(t, func() bool {
		return len(p.GetMessages()) >= 2
	}, 2*time.Second, 20*time.Millisecond)

	require.Contains(t, p.GetResponseText(), "<complete")
	require.Len(t, p.ToolCalls(), 1)
	p.ClearToolCalls()
	require.Empty(t, p.ToolCalls())

	require.NoError(t, p.Stop(ctx))
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit after Stop")
	}
}

func TestProcessWaitReadyTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hangs.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 5\n"), 0o755))

	cfg := config.CodingConfig{BinaryPath: path}
	p := NewProcess(cfg, Options{WorkspaceDir: t.TempDir(), TaskID: "zzz"})
	require.NoError(t, p.Start(context.Background()))
	defer p.Cancel()

	err := p.WaitReady(50 * time.Millisecond)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNotReady)
}

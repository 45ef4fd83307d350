package cli

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/luadbg/internal/config"
	"github.com/zot/luadbg/internal/mcp"
	dbgclient "github.com/zot/luadbg/lib/go"
	"github.com/zot/luadbg/protocol"
)

const wait = 5 * time.Second

// ide listens for one debuggee and returns the flags that point luadbg at it.
func ide(t *testing.T) (*dbgclient.Listener, []string) {
	l, err := dbgclient.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	port := l.Addr().(*net.TCPAddr).Port
	return l, []string{
		"--config", filepath.Join(t.TempDir(), "absent.toml"),
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"--procid", "cli-test",
	}
}

func start(args []string) <-chan int {
	done := make(chan int, 1)
	go func() { done <- Run(args) }()
	return done
}

func finish(t *testing.T, c *dbgclient.Connection, done <-chan int, want int) {
	t.Helper()
	exit, err := c.FinishEpilogue(wait)
	require.NoError(t, err)
	assert.Equal(t, want, exit.ExitCode)
	select {
	case code := <-done:
		assert.Equal(t, want, code)
	case <-time.After(wait):
		t.Fatal("luadbg did not exit")
	}
}

func stdout(t *testing.T, c *dbgclient.Connection) string {
	t.Helper()
	env, err := c.Expect(protocol.MethodStdout, wait)
	require.NoError(t, err)
	var text protocol.TextParams
	require.NoError(t, env.Decode(&text))
	return text.Text
}

func TestRunScript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.lua")
	require.NoError(t, os.WriteFile(path, []byte("print(arg[1] .. '!')\n"), 0o644))

	l, flags := ide(t)
	done := start(append(append([]string{"run"}, flags...), path, "hi"))
	c, err := l.Accept(wait)
	require.NoError(t, err)
	defer c.Disconnect()
	assert.Equal(t, "cli-test", c.Info().ProcID)
	assert.Equal(t, path, c.Info().Filename)

	assert.Equal(t, "hi!\n", stdout(t, c))
	finish(t, c, done, 0)
}

func TestExecSource(t *testing.T) {
	l, flags := ide(t)
	done := start(append(append([]string{"exec"}, flags...), "print(6 * 7) os.exit(3)"))
	c, err := l.Accept(wait)
	require.NoError(t, err)
	defer c.Disconnect()

	assert.Equal(t, "42\n", stdout(t, c))
	finish(t, c, done, 3)
}

func TestBreakpointFilePreload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.lua")
	require.NoError(t, os.WriteFile(path, []byte("local a = 1\nlocal b = a + 1\nprint(b)\n"), 0o644))
	bps := filepath.Join(dir, "breakpoints.toml")
	require.NoError(t, os.WriteFile(bps, []byte("[[breakpoint]]\nfile = \"main.lua\"\nline = 2\n"), 0o644))

	l, flags := ide(t)
	done := start(append(append([]string{"run", "--breakpoints", bps}, flags...), path))
	c, err := l.Accept(wait)
	require.NoError(t, err)
	defer c.Disconnect()

	env, err := c.Expect(protocol.MethodLine, wait)
	require.NoError(t, err)
	var line protocol.LineParams
	require.NoError(t, env.Decode(&line))
	require.NotEmpty(t, line.Stack)
	assert.Equal(t, 2, line.Stack[0].Line)

	require.NoError(t, c.Continue())
	assert.Equal(t, "2\n", stdout(t, c))
	finish(t, c, done, 0)
}

func TestMissingScript(t *testing.T) {
	assert.Equal(t, 2, Run([]string{"run", "--config", filepath.Join(t.TempDir(), "absent.toml")}))
	assert.Equal(t, 2, Run([]string{"frobnicate"}))
}

func TestHooksIntercept(t *testing.T) {
	var seen []string
	hooks := &Hooks{BeforeDispatch: func(command string, args []string) (bool, int) {
		seen = append(seen, command)
		return command == "custom", 5
	}}
	assert.Equal(t, 5, RunWithHooks([]string{"custom", "x"}, hooks))
	assert.Equal(t, 0, RunWithHooks([]string{"version"}, hooks))
	assert.Equal(t, []string{"custom", "version"}, seen)
}

func TestMCPTarget(t *testing.T) {
	cfg := DefaultConfig()
	_, _, err := mcpTarget(cfg)
	assert.Error(t, err)

	cfg.Storage.Type = "memory"
	target, closeTarget, err := mcpTarget(cfg)
	require.NoError(t, err)
	defer closeTarget()
	assert.IsType(t, &mcp.StorageTarget{}, target)

	cfg.Debug.BreakpointFile = filepath.Join(t.TempDir(), "bp.toml")
	target, _, err = mcpTarget(cfg)
	require.NoError(t, err)
	assert.IsType(t, &mcp.FileTarget{}, target)
}

func TestLoadConfigFlags(t *testing.T) {
	cfg, rest, err := LoadConfig([]string{
		"--config", filepath.Join(t.TempDir(), "absent.toml"),
		"--socket", "/tmp/ide.sock", "--stop-on-entry", "--call-trace", "-vv", "main.lua", "x",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"main.lua", "x"}, rest)
	assert.True(t, cfg.Debug.StopOnEntry)
	assert.True(t, cfg.Debug.CallTrace)
	assert.Equal(t, 2, cfg.Logging.Verbosity)
	assert.NotEmpty(t, cfg.IDE.ProcID)

	network, addr := cfg.Address()
	assert.Equal(t, "unix", network)
	assert.Equal(t, "/tmp/ide.sock", addr)
	assert.Equal(t, config.Duration(5*time.Second), cfg.Channel.EpilogueTimeout)
}

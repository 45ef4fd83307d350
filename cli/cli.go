// Package cli provides the command-line interface for luadbg.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"fmt"
	"os"
)

// Version is reported by the version command and the MCP server.
const Version = "0.1.0"

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	if len(args) < 1 {
		printHelp(hooks)
		return 2
	}

	command := args[0]
	cmdArgs := args[1:]

	if hooks != nil && hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "run":
		return runScript(cmdArgs)
	case "exec":
		return runExec(cmdArgs)
	case "mcp":
		return runMCP(cmdArgs)
	case "help", "-h", "--help":
		printHelp(hooks)
		return 0
	case "version", "--version":
		printVersion(hooks)
		return 0
	default:
		// Flags or a script name mean "run"
		if len(command) > 0 && command[0] == '-' {
			return runScript(args)
		}
		if _, err := os.Stat(command); err == nil {
			return runScript(args)
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printHelp(hooks)
		return 2
	}
}

func printHelp(hooks *Hooks) {
	fmt.Println(`luadbg - Lua debuggee runtime

Usage: luadbg [command] [options] [script [args...]]

Commands:
  run             Run a script under the debugger (default)
  exec            Run Lua source given on the command line ("-" reads stdin)
  mcp             Serve breakpoint tools over MCP on stdin/stdout
  help            Show this help
  version         Show the version

Options:
  --config        TOML configuration file (default: luadbg.toml)
  --host          IDE host (default: 127.0.0.1)
  --port          IDE port
  --socket        IDE unix socket path
  --websocket     IDE websocket URL
  --procid        Process id reported to the IDE (default: random UUID)
  --max-tries     Send attempts before giving up (default: 3)
  --receive-timeout    Wait limit for IDE commands
  --no-redirect   Keep program output on the local terminal
  --stop-on-entry Stop on the first line
  --call-trace    Report function calls and returns
  --breakpoints   TOML breakpoint file
  --watch-breakpoints  Reload the breakpoint file when it changes
  --storage       Storage type: none, memory, sqlite, postgresql
  --storage-path  SQLite database path
  --storage-url   PostgreSQL connection URL
  -v, -vv, -vvv   Verbosity

Examples:
  luadbg run --port 4000 main.lua arg1 arg2
  luadbg exec --socket /tmp/ide.sock 'print(1 + 1)'
  luadbg mcp --breakpoints breakpoints.toml`)

	if hooks != nil && hooks.CustomHelp != nil {
		fmt.Println(hooks.CustomHelp())
	}
}

func printVersion(hooks *Hooks) {
	fmt.Printf("luadbg v%s\n", Version)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Println(hooks.CustomVersion())
	}
}

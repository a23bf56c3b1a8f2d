// Package cli provides the command-line interface for the chatops bot.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/juju/errors"

	"github.com/zot/chatops/internal/config"
	"github.com/zot/chatops/internal/server"
)

// Version is reported by the version command and the MCP server.
var Version = "0.1.0"

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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, args, hooks, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, hooks *Hooks, out, errOut io.Writer) int {
	c := &commands{out: out, errOut: errOut}
	if len(args) < 1 {
		return c.serve(ctx, args)
	}

	command := args[0]
	cmdArgs := args[1:]

	// Let hooks intercept first
	if hooks != nil && hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "serve":
		return c.serve(ctx, cmdArgs)
	case "mcp":
		return c.serve(ctx, append([]string{"-mcp"}, cmdArgs...))
	case "seed":
		return c.seed(ctx, cmdArgs)
	case "index":
		return c.index(ctx, cmdArgs)
	case "route":
		return c.route(ctx, cmdArgs)
	case "help", "-h", "--help":
		printHelp(out, hooks)
		return 0
	case "version", "--version":
		printVersion(out, hooks)
		return 0
	default:
		// Check if it's a flag (starts with -)
		if len(command) > 0 && command[0] == '-' {
			return c.serve(ctx, args)
		}
		fmt.Fprintf(errOut, "Unknown command: %s\n", command)
		printHelp(errOut, hooks)
		return 1
	}
}

type commands struct {
	out    io.Writer
	errOut io.Writer
}

func (c *commands) fail(err error) int {
	fmt.Fprintf(c.errOut, "Error: %v\n", err)
	return 1
}

// open loads the configuration and builds the server without serving.
func (c *commands) open(ctx context.Context, args []string) (*server.Server, []string, error) {
	cfg, rest, err := config.LoadArgs(args)
	if err != nil {
		return nil, nil, err
	}
	srv, err := server.New(ctx, cfg, Version)
	if err != nil {
		return nil, nil, err
	}
	return srv, rest, nil
}

func (c *commands) serve(ctx context.Context, args []string) int {
	srv, rest, err := c.open(ctx, args)
	if err != nil {
		return c.fail(err)
	}
	defer srv.Close()
	if len(rest) > 0 {
		return c.fail(errors.Errorf("unexpected arguments: %s", strings.Join(rest, " ")))
	}
	if err := srv.Run(ctx); err != nil {
		return c.fail(err)
	}
	return 0
}

func (c *commands) index(ctx context.Context, args []string) int {
	srv, _, err := c.open(ctx, args)
	if err != nil {
		return c.fail(err)
	}
	defer srv.Close()
	fmt.Fprint(c.out, srv.Bot().Index())
	return 0
}

// route shows which command a message would run, without running it.
func (c *commands) route(ctx context.Context, args []string) int {
	srv, rest, err := c.open(ctx, args)
	if err != nil {
		return c.fail(err)
	}
	defer srv.Close()
	if len(rest) == 0 {
		return c.fail(errors.Errorf("route needs the message text"))
	}
	text := strings.Join(rest, " ")
	trace, ep, groups := srv.Bot().Routes().Forward(text)
	if ep == nil {
		fmt.Fprintf(c.out, "no command matches %q\n", text)
		return 1
	}
	for i, p := range trace {
		fmt.Fprintf(c.out, "%s%s\n", strings.Repeat("  ", i), p.Match())
	}
	fmt.Fprintf(c.out, "endpoint: %s\n", ep.Name())
	if len(groups) > 0 {
		fmt.Fprintf(c.out, "groups: %q\n", groups)
	}
	return 0
}

func (c *commands) seed(ctx context.Context, args []string) int {
	srv, rest, err := c.open(ctx, args)
	if err != nil {
		return c.fail(err)
	}
	defer srv.Close()
	if len(rest) != 1 {
		return c.fail(errors.Errorf("seed needs exactly one seed file"))
	}
	f, err := ReadSeedFile(rest[0])
	if err != nil {
		return c.fail(err)
	}
	n, err := f.Apply(ctx, srv.DB().Store(), srv.Bucket())
	if err != nil {
		return c.fail(err)
	}
	fmt.Fprintf(c.out, "seeded %d questions in %d subjects\n", n, len(f.Subjects))
	return 0
}

func printHelp(w io.Writer, hooks *Hooks) {
	fmt.Fprintln(w, `Chat-ops bot

Usage: chatops [command] [options] [args]

Commands:
  serve           Run the bot (default)
  mcp             Run the bot with the MCP admin surface on stdio
  seed FILE       Load quiz questions and the censor list from a YAML file
  index           Print the command index
  route TEXT      Show which command a message would run
  help            Show this help
  version         Show the version

Options:
  --dir           Working directory holding config/ and commands/
  --host          Gateway listen address (default: 127.0.0.1)
  --port          Gateway listen port (default: 8090)
  --token         Gateway shared secret
  --store         Store type: memory, sqlite, postgresql (default: memory)
  --store-path    SQLite database path
  --store-url     PostgreSQL connection URL
  --blob          Blob storage: none, fs, s3 (default: none)
  --blob-bucket   S3 bucket name
  --lua           Enable scripted commands (default: true)
  --lua-path      Scripted commands directory (default: commands/)
  --mcp           Serve the MCP admin surface on stdio
  --quiz-timeout  Time to wait for quiz answers (default: 1m)
  --log-level     Log level: debug, info, warn, error
  --log-json      Emit JSON logs
  -v, -vv, -vvv   Verbosity

Examples:
  chatops serve --store sqlite --store-path bot.db
  chatops seed --store sqlite --store-path bot.db quizzes.yaml
  chatops route '.counter score +'`)

	if hooks != nil && hooks.CustomHelp != nil {
		fmt.Fprintln(w, hooks.CustomHelp())
	}
}

func printVersion(w io.Writer, hooks *Hooks) {
	fmt.Fprintf(w, "chatops v%s\n", Version)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Fprintln(w, hooks.CustomVersion())
	}
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: leadops [command] [flags]

DAEMON:
  leadops [serve]                     Run the API, the runner loop and maintenance jobs

OPERATIONS:
  leadops tick [-json]                Run one runner pass over every role queue
  leadops intake -type T [-data JSON] [-source S]
                                      Plan a lead and enqueue its tasks
  leadops requeue <task-id>           Move a FAILED task back to QUEUED
  leadops approve <task-id>           Sign off a high-risk task (requeues it if FAILED)
  leadops digest [-json]              Show the daily digest of the running daemon
  leadops status                      Show daemon health (/healthz)
  leadops doctor [-json]              Run diagnostic checks

IDENTITIES:
  leadops agent create -name N -role R
  leadops agent list [-all]
  leadops agent deactivate <agent-id>
  leadops agent rotate <agent-id>
  leadops agent seed                  Create the starter identities (empty store only)

ENVIRONMENT VARIABLES:
  LEADOPS_HOME                Data directory (default: ~/.leadops)
  LEADOPS_SUPERUSER_SECRET    Superuser credential for the API
  LEADOPS_API_KEY             Credential used by status/digest (defaults to the superuser secret)
  GEMINI_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY
                              Plan advisor keys
`)
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout))
}

func run(ctx context.Context, args []string, out io.Writer) int {
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}
	switch cmd {
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	case "version", "--version":
		fmt.Fprintln(out, Version)
		return 0
	case "serve":
		return runServe(ctx, args)
	case "tick":
		return runTickCommand(ctx, args, out)
	case "intake":
		return runIntakeCommand(ctx, args, out)
	case "requeue":
		return runRequeueCommand(ctx, args, out)
	case "approve":
		return runApproveCommand(ctx, args, out)
	case "digest":
		return runDigestCommand(ctx, args, out)
	case "status":
		return runStatusCommand(ctx, args, out)
	case "doctor":
		return runDoctorCommand(ctx, args, out)
	case "agent":
		return runAgentCommand(ctx, args, out)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		return 2
	}
}

// loadDotEnv sets variables from a KEY=VALUE file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

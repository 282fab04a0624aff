package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/leadops/internal/audit"
	"github.com/basket/leadops/internal/config"
	"github.com/basket/leadops/internal/doctor"
	"github.com/basket/leadops/internal/gateway"
	"github.com/basket/leadops/internal/notify"
	"github.com/basket/leadops/internal/persistence"
	"github.com/basket/leadops/internal/planner"
	"github.com/basket/leadops/internal/roles"
	"github.com/basket/leadops/internal/shared"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func writeJSON(out io.Writer, v any) int {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
		return 1
	}
	return 0
}

// cliError prints err and maps its kind to an exit code.
func cliError(op string, err error) int {
	fmt.Fprintf(os.Stderr, "%s: %v\n", op, err)
	switch shared.KindOf(err) {
	case shared.KindInvalidInput, shared.KindNotFound, shared.KindConflict:
		return 2
	default:
		return 1
	}
}

func runTickCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := newFlagSet("tick")
	jsonOut := fs.Bool("json", false, "print the summary as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := loadApp(ctx, true)
	if err != nil {
		return cliError("tick", err)
	}
	defer a.Close()

	summary, err := a.runner.Tick(shared.WithAgentID(ctx, cliAgentID))
	if err != nil {
		return cliError("tick", err)
	}
	if *jsonOut {
		return writeJSON(out, summary)
	}
	renderTick(out, summary)
	return 0
}

func runIntakeCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := newFlagSet("intake")
	leadType := fs.String("type", "", "lead type, e.g. new_booking_request")
	data := fs.String("data", "", "lead data as a JSON object")
	source := fs.String("source", "cli", "lead source")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	lead := planner.Lead{Type: strings.TrimSpace(*leadType), Source: *source}
	if lead.Type == "" {
		fmt.Fprintln(os.Stderr, "usage: leadops intake -type T [-data JSON] [-source S]")
		return 2
	}
	if *data != "" {
		if err := json.Unmarshal([]byte(*data), &lead.Data); err != nil {
			fmt.Fprintf(os.Stderr, "intake: -data must be a JSON object: %v\n", err)
			return 2
		}
	}

	a, err := loadApp(ctx, true)
	if err != nil {
		return cliError("intake", err)
	}
	defer a.Close()

	ctx = shared.WithAgentID(ctx, cliAgentID)
	res := a.planner.HandleLeadIntake(ctx, lead, cliAgentID)
	entry := audit.Entry{
		AgentID:    cliAgentID,
		Action:     "leads:create",
		TargetType: "lead",
		TargetID:   lead.Type,
		Request:    lead,
		Result:     res,
	}
	if res.Success {
		a.audit.LogSuccess(ctx, entry)
	} else {
		a.audit.LogFailure(ctx, entry, res.Message)
	}

	if code := writeJSON(out, res); code != 0 {
		return code
	}
	if !res.Success {
		return 1
	}
	return 0
}

func runRequeueCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, "usage: leadops requeue <task-id>")
		return 2
	}
	id := strings.TrimSpace(args[0])

	a, err := loadApp(ctx, true)
	if err != nil {
		return cliError("requeue", err)
	}
	defer a.Close()

	ctx = shared.WithAgentID(ctx, cliAgentID)
	entry := audit.Entry{AgentID: cliAgentID, Action: "tasks:requeue", TargetType: "task", TargetID: id}
	task, err := gateway.RequeueTask(ctx, a.store, id)
	if err != nil {
		a.audit.LogFailure(ctx, entry, err.Error())
		return cliError("requeue", err)
	}
	entry.Result = map[string]any{"status": task.Status, "retry_count": task.RetryCount}
	a.audit.LogSuccess(ctx, entry)
	fmt.Fprintf(out, "task %s requeued (%s, retry %d of %d)\n", task.ID, task.Role, task.RetryCount, persistence.MaxRetries)
	return 0
}

// runApproveCommand signs a task off as the local operator. Holding the
// database file is the trust boundary here, as for every store-side command.
func runApproveCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, "usage: leadops approve <task-id>")
		return 2
	}
	id := strings.TrimSpace(args[0])

	a, err := loadApp(ctx, true)
	if err != nil {
		return cliError("approve", err)
	}
	defer a.Close()

	ctx = shared.WithAgentID(ctx, cliAgentID)
	entry := audit.Entry{AgentID: cliAgentID, Action: "tasks:approve", TargetType: "task", TargetID: id}
	task, err := gateway.ApproveTask(ctx, a.store, id, cliAgentID)
	if err != nil {
		a.audit.LogFailure(ctx, entry, err.Error())
		return cliError("approve", err)
	}
	entry.Result = map[string]any{"status": task.Status, "approved_by": task.ApprovedBy}
	a.audit.LogSuccess(ctx, entry)
	fmt.Fprintf(out, "task %s approved by %s (%s, %s)\n", task.ID, task.ApprovedBy, task.Role, task.Status)
	return 0
}

// daemonClient talks to a running leadops serve.
type daemonClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func newDaemonClient(cfg config.Config) daemonClient {
	key := strings.TrimSpace(os.Getenv("LEADOPS_API_KEY"))
	if key == "" {
		key = cfg.SuperuserSecret
	}
	return daemonClient{
		base:   daemonBaseURL(cfg.BindAddr),
		apiKey: key,
		http:   &http.Client{Timeout: 5 * time.Second},
	}
}

func daemonBaseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// get returns the body and status of a GET against the daemon.
func (c daemonClient) get(ctx context.Context, path string, auth bool) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, 0, err
	}
	if auth {
		if c.apiKey == "" {
			return nil, 0, errors.New("no credential: set LEADOPS_API_KEY or LEADOPS_SUPERUSER_SECRET")
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func runStatusCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: leadops status")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		return cliError("status", err)
	}

	body, status, err := newDaemonClient(cfg).get(ctx, "/healthz", false)
	if err != nil {
		return cliError("status", err)
	}
	_, _ = out.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = out.Write([]byte("\n"))
	}
	if status != http.StatusOK {
		return 1
	}
	return 0
}

func runDigestCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := newFlagSet("digest")
	jsonOut := fs.Bool("json", false, "print the digest as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		return cliError("digest", err)
	}

	body, status, err := newDaemonClient(cfg).get(ctx, "/api/digest", true)
	if err != nil {
		return cliError("digest", err)
	}
	if status != http.StatusOK {
		fmt.Fprintf(os.Stderr, "digest: daemon returned %d: %s\n", status, strings.TrimSpace(string(body)))
		return 1
	}
	var d notify.Digest
	if err := json.Unmarshal(body, &d); err != nil {
		return cliError("digest", fmt.Errorf("decode digest: %w", err))
	}
	if *jsonOut {
		return writeJSON(out, d)
	}
	renderDigest(out, d)
	return 0
}

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := newFlagSet("doctor")
	jsonOut := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version)
	if *jsonOut {
		if code := writeJSON(out, diag); code != 0 {
			return code
		}
	} else {
		renderDoctor(out, diag)
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

func runAgentCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: leadops agent create|list|deactivate|rotate|seed")
		return 2
	}
	sub, args := args[0], args[1:]

	a, err := loadApp(ctx, true)
	if err != nil {
		return cliError("agent", err)
	}
	defer a.Close()
	ctx = shared.WithAgentID(ctx, cliAgentID)

	switch sub {
	case "create":
		return agentCreate(ctx, a, args, out)
	case "list":
		fs := newFlagSet("agent list")
		all := fs.Bool("all", false, "include deactivated agents")
		if err := fs.Parse(args); err != nil {
			return 2
		}
		agents, err := a.identity.List(ctx, *all)
		if err != nil {
			return cliError("agent list", err)
		}
		renderAgents(out, agents)
		return 0
	case "deactivate":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: leadops agent deactivate <agent-id>")
			return 2
		}
		entry := audit.Entry{AgentID: cliAgentID, Action: "agents:deactivate", TargetType: "agent", TargetID: args[0]}
		if err := a.identity.Deactivate(ctx, args[0]); err != nil {
			a.audit.LogFailure(ctx, entry, err.Error())
			return cliError("agent deactivate", err)
		}
		a.audit.LogSuccess(ctx, entry)
		fmt.Fprintf(out, "agent %s deactivated\n", args[0])
		return 0
	case "rotate":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: leadops agent rotate <agent-id>")
			return 2
		}
		entry := audit.Entry{AgentID: cliAgentID, Action: "agents:rotate", TargetType: "agent", TargetID: args[0]}
		secret, err := a.identity.Rotate(ctx, args[0])
		if err != nil {
			a.audit.LogFailure(ctx, entry, err.Error())
			return cliError("agent rotate", err)
		}
		a.audit.LogSuccess(ctx, entry)
		fmt.Fprintf(out, "new credential for %s (shown once):\n%s\n", args[0], secret)
		return 0
	case "seed":
		return agentSeed(ctx, a, out)
	default:
		fmt.Fprintf(os.Stderr, "unknown agent subcommand %q\n", sub)
		return 2
	}
}

func agentCreate(ctx context.Context, a *app, args []string, out io.Writer) int {
	fs := newFlagSet("agent create")
	name := fs.String("name", "", "display name")
	roleFlag := fs.String("role", "", "role, e.g. FINANCE")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*name) == "" || *roleFlag == "" {
		fmt.Fprintln(os.Stderr, "usage: leadops agent create -name N -role R")
		return 2
	}
	role, err := roles.Parse(*roleFlag)
	if err != nil {
		return cliError("agent create", shared.WrapError(shared.KindInvalidInput, err, "invalid role"))
	}

	entry := audit.Entry{
		AgentID:    cliAgentID,
		Action:     "agents:create",
		TargetType: "agent",
		Request:    map[string]string{"name": *name, "role": string(role)},
	}
	rec, secret, err := a.identity.Create(ctx, strings.TrimSpace(*name), role, nil)
	if err != nil {
		a.audit.LogFailure(ctx, entry, err.Error())
		return cliError("agent create", err)
	}
	entry.TargetID = rec.ID
	a.audit.LogSuccess(ctx, entry)
	fmt.Fprintf(out, "agent %s (%s, %s) created\ncredential (shown once):\n%s\n", rec.ID, rec.Name, rec.Role, secret)
	return 0
}

// agentSeed creates the starter identities when the store has none.
func agentSeed(ctx context.Context, a *app, out io.Writer) int {
	existing, err := a.identity.List(ctx, true)
	if err != nil {
		return cliError("agent seed", err)
	}
	if len(existing) > 0 {
		fmt.Fprintf(os.Stderr, "agent seed: store already has %d agent(s); nothing to do\n", len(existing))
		return 2
	}
	for _, s := range config.StarterAgents() {
		rec, secret, err := a.identity.Create(ctx, s.Name, s.Role, map[string]string{"seeded": "true"})
		if err != nil {
			return cliError("agent seed", err)
		}
		a.audit.LogSuccess(ctx, audit.Entry{
			AgentID:    cliAgentID,
			Action:     "agents:create",
			TargetType: "agent",
			TargetID:   rec.ID,
			Metadata:   map[string]string{"seeded": "true"},
		})
		fmt.Fprintf(out, "%-16s %-18s %s  %s\n", rec.Name, rec.Role, rec.ID, secret)
	}
	return 0
}

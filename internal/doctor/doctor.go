package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/leadops/internal/config"
	"github.com/basket/leadops/internal/cron"
	"github.com/basket/leadops/internal/persistence"
	"github.com/basket/leadops/internal/policy"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	checks := []check{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkPolicy,
		checkSuperuser,
		checkAdvisor,
		checkNotifier,
		checkSchedules,
		checkNetwork,
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.FirstRun {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, using defaults",
			Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Schema unreadable: %v", err)}
	}
	depth, err := store.QueueDepthByRole(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range depth {
		total += n
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema v%d, %d queued tasks", version, total),
		Detail:  fmt.Sprintf("path=%s checksum=%s", cfg.DBPath, checksum),
	}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	path := cfg.PolicyPath()
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: fmt.Sprintf("Invalid policy.yaml: %v", err), Detail: path}
	}
	msg := "Compiled-in defaults"
	if _, statErr := os.Stat(path); statErr == nil {
		msg = "Loaded policy.yaml"
	}
	return CheckResult{Name: "Policy", Status: StatusPass, Message: msg,
		Detail: fmt.Sprintf("version=%s approval_for_high_risk=%t", p.PolicyVersion(), p.RequireApprovalForHighRisk)}
}

func checkSuperuser(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Superuser", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.SuperuserSecret == "" {
		return CheckResult{Name: "Superuser", Status: StatusWarn, Message: "LEADOPS_SUPERUSER_SECRET not set",
			Detail: "Only stored agent credentials can call the API"}
	}
	if len(cfg.SuperuserSecret) < 16 {
		return CheckResult{Name: "Superuser", Status: StatusWarn, Message: "Superuser secret is shorter than 16 characters"}
	}
	return CheckResult{Name: "Superuser", Status: StatusPass, Message: "Superuser secret configured"}
}

func checkAdvisor(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Advisor", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Advisor.Enabled {
		return CheckResult{Name: "Advisor", Status: StatusSkip, Message: "Disabled; rule table only"}
	}
	if cfg.AdvisorAPIKey() != "" {
		return CheckResult{Name: "Advisor", Status: StatusPass, Message: fmt.Sprintf("Provider %s has an API key", cfg.Advisor.Provider)}
	}
	var envKeys []string
	for _, p := range config.AdvisorProviders() {
		if p.Name == cfg.Advisor.Provider {
			envKeys = p.EnvKeys
		}
	}
	detail := ""
	if avail := config.AvailableAdvisorProviders(); len(avail) > 0 {
		detail = "Keys found for: " + strings.Join(avail, ", ")
	}
	return CheckResult{
		Name:    "Advisor",
		Status:  StatusWarn,
		Message: fmt.Sprintf("No API key for %s (set %s); falling back to rules", cfg.Advisor.Provider, strings.Join(envKeys, " or ")),
		Detail:  detail,
	}
}

func checkNotifier(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Notifier", Status: StatusSkip, Message: "Config missing"}
	}
	tg := cfg.Notify.Telegram
	switch {
	case tg.Token != "" && tg.ChatID != 0:
		return CheckResult{Name: "Notifier", Status: StatusPass, Message: "Telegram alerts configured"}
	case tg.Token != "" || tg.ChatID != 0:
		return CheckResult{Name: "Notifier", Status: StatusFail, Message: "Telegram needs both token and chat_id"}
	default:
		return CheckResult{Name: "Notifier", Status: StatusWarn, Message: "No admin channel; alerts go to the log only"}
	}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: StatusSkip, Message: "Config missing"}
	}
	now := time.Now().UTC()
	var details []string
	for _, job := range []struct{ name, spec string }{
		{"digest", cfg.Maintenance.DigestSpec},
		{"purge", cfg.Maintenance.PurgeSpec},
	} {
		if job.spec == "" {
			details = append(details, job.name+": disabled")
			continue
		}
		next, err := cron.NextRunTime(job.spec, now)
		if err != nil {
			return CheckResult{Name: "Schedules", Status: StatusFail, Message: fmt.Sprintf("Invalid %s spec %q: %v", job.name, job.spec, err)}
		}
		details = append(details, fmt.Sprintf("%s: next %s", job.name, next.Format(time.RFC3339)))
	}
	return CheckResult{Name: "Schedules", Status: StatusPass, Message: "Maintenance schedules valid", Detail: strings.Join(details, "; ")}
}

var advisorHosts = map[string]string{
	"google":    "generativelanguage.googleapis.com",
	"anthropic": "api.anthropic.com",
	"openai":    "api.openai.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Advisor.Enabled {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Advisor disabled; no outbound calls"}
	}
	host, ok := advisorHosts[cfg.Advisor.Provider]
	if !ok {
		host = advisorHosts["google"]
	}
	if cfg.Advisor.BaseURL != "" {
		host = hostOf(cfg.Advisor.BaseURL)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", cfg.Advisor.Provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", cfg.Advisor.Provider),
	}
}

func hostOf(baseURL string) string {
	h := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	if i := strings.IndexAny(h, "/?"); i >= 0 {
		h = h[:i]
	}
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return h
}

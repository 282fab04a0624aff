// Package notify derives alert criticality from task outcomes, pushes
// immediate alerts to an admin channel, and keeps a small in-memory window
// of recent outcomes for the daily digest.
//
// The window is process-local and reset on restart. The audit log remains
// the durable record.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/leadops/internal/bus"
	"github.com/basket/leadops/internal/persistence"
	"github.com/basket/leadops/internal/roles"
)

const (
	DefaultCapacity = 100

	// DefaultSendTimeout bounds one alert delivery made from ReportTask.
	DefaultSendTimeout = 5 * time.Second

	digestWindow = 24 * time.Hour
)

// CriticalKeywords flag an outcome for immediate alerting when they appear
// in its input or error text.
var CriticalKeywords = []string{"payment", "refund", "urgent", "security", "fraud", "chargeback"}

// alertInputKeys is the subset of task input copied into alert text.
var alertInputKeys = []string{"bookingId", "amount", "currency", "vendorId", "leadType", "source", "action", "propertyId"}

// Sender delivers one human-readable message to the admin destination.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Report is one task outcome forwarded by the runner.
type Report struct {
	TaskID  string
	Role    roles.Role
	Action  string
	Success bool
	Input   json.RawMessage
	Error   string
}

// Entry is a ring buffer slot.
type Entry struct {
	TaskID     string                 `json:"task_id"`
	Role       roles.Role             `json:"role"`
	Action     string                 `json:"action"`
	Status     persistence.TaskStatus `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Error      string                 `json:"error,omitempty"`
	IsCritical bool                   `json:"is_critical"`
}

type Notifier struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool

	sender      Sender
	sendTimeout time.Duration
	logger      *slog.Logger
	bus         *bus.Bus
	now         func() time.Time
}

type Option func(*Notifier)

func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

func WithBus(b *bus.Bus) Option { return func(n *Notifier) { n.bus = b } }

func WithClock(now func() time.Time) Option { return func(n *Notifier) { n.now = now } }

func WithSendTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.sendTimeout = d
		}
	}
}

func WithCapacity(c int) Option {
	return func(n *Notifier) {
		if c > 0 {
			n.entries = make([]Entry, c)
		}
	}
}

// New returns a Notifier. A nil sender degrades alerts to log lines.
func New(sender Sender, opts ...Option) *Notifier {
	n := &Notifier{
		entries:     make([]Entry, DefaultCapacity),
		sendTimeout: DefaultSendTimeout,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(n)
	}
	if sender == nil {
		sender = NewLogSender(n.logger)
	}
	n.sender = sender
	return n
}

// IsCritical reports whether an outcome warrants an immediate alert.
func IsCritical(role roles.Role, success bool, input json.RawMessage, errMsg string) bool {
	if role == roles.Finance && !success {
		return true
	}
	haystack := strings.ToLower(string(input) + " " + errMsg)
	for _, kw := range CriticalKeywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

// ReportTask records the outcome and alerts when it is critical. Delivery is
// bounded by the send timeout; failures are logged and never returned.
func (n *Notifier) ReportTask(ctx context.Context, r Report) Entry {
	status := persistence.TaskStatusDone
	if !r.Success {
		status = persistence.TaskStatusFailed
	}
	entry := Entry{
		TaskID:     r.TaskID,
		Role:       r.Role,
		Action:     r.Action,
		Status:     status,
		Timestamp:  n.now(),
		Error:      r.Error,
		IsCritical: IsCritical(r.Role, r.Success, r.Input, r.Error),
	}
	n.push(entry)

	if !entry.IsCritical {
		return entry
	}
	text := FormatAlert(entry, r.Input)
	delivered := true
	sendCtx, cancel := context.WithTimeout(ctx, n.sendTimeout)
	defer cancel()
	if err := n.sender.Send(sendCtx, text); err != nil {
		delivered = false
		n.logger.Error("admin alert delivery failed", "task_id", r.TaskID, "role", string(r.Role), "error", err)
	}
	n.bus.Publish(bus.TopicAdminAlert, bus.AdminAlert{
		TaskID:    r.TaskID,
		Role:      string(r.Role),
		Message:   text,
		Delivered: delivered,
	})
	return entry
}

func (n *Notifier) push(e Entry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries[n.next] = e
	n.next = (n.next + 1) % len(n.entries)
	if n.next == 0 {
		n.full = true
	}
}

// Recent returns buffered entries, oldest first.
func (n *Notifier) Recent() []Entry {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.full {
		return append([]Entry(nil), n.entries[:n.next]...)
	}
	out := make([]Entry, 0, len(n.entries))
	out = append(out, n.entries[n.next:]...)
	return append(out, n.entries[:n.next]...)
}

// FormatAlert renders a critical outcome. Only allow-listed input keys are
// included.
func FormatAlert(e Entry, input json.RawMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[CRITICAL] %s task %s\n", e.Role, e.Status)
	fmt.Fprintf(&b, "action: %s\n", e.Action)
	fmt.Fprintf(&b, "task: %s\n", e.TaskID)
	fmt.Fprintf(&b, "time: %s\n", e.Timestamp.Format(time.RFC3339))
	if e.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", e.Error)
	}
	if fields := sanitizeInput(input); len(fields) > 0 {
		b.WriteString("input:")
		for _, k := range alertInputKeys {
			if v, ok := fields[k]; ok {
				fmt.Fprintf(&b, " %s=%v", k, v)
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func sanitizeInput(input json.RawMessage) map[string]any {
	if len(input) == 0 {
		return nil
	}
	var all map[string]any
	if err := json.Unmarshal(input, &all); err != nil {
		return nil
	}
	out := make(map[string]any)
	for _, k := range alertInputKeys {
		if v, ok := all[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Digest aggregates the buffered outcomes of the last 24 hours.
type Digest struct {
	Since    time.Time                      `json:"since"`
	Total    int                            `json:"total"`
	ByStatus map[persistence.TaskStatus]int `json:"by_status"`
	ByRole   map[roles.Role]int             `json:"by_role"`
	Critical []Entry                        `json:"critical"`
}

func (n *Notifier) DailySummary(now time.Time) Digest {
	d := Digest{
		Since:    now.Add(-digestWindow),
		ByStatus: make(map[persistence.TaskStatus]int),
		ByRole:   make(map[roles.Role]int),
		Critical: []Entry{},
	}
	for _, e := range n.Recent() {
		if e.Timestamp.Before(d.Since) || e.Timestamp.After(now) {
			continue
		}
		d.Total++
		d.ByStatus[e.Status]++
		d.ByRole[e.Role]++
		if e.IsCritical {
			d.Critical = append(d.Critical, e)
		}
	}
	return d
}

func FormatDigest(d Digest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily summary since %s\n", d.Since.Format(time.RFC3339))
	fmt.Fprintf(&b, "total: %d (done %d, failed %d, critical %d)\n",
		d.Total, d.ByStatus[persistence.TaskStatusDone], d.ByStatus[persistence.TaskStatusFailed], len(d.Critical))

	keys := make([]string, 0, len(d.ByRole))
	for r := range d.ByRole {
		keys = append(keys, string(r))
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %d\n", k, d.ByRole[roles.Role(k)])
	}
	for _, e := range d.Critical {
		fmt.Fprintf(&b, "  ! %s %s %s %s\n", e.Timestamp.Format("15:04"), e.Role, e.Action, e.Status)
	}
	return strings.TrimRight(b.String(), "\n")
}

// SendDailySummary pushes the current digest through the sender.
func (n *Notifier) SendDailySummary(ctx context.Context) (Digest, error) {
	d := n.DailySummary(n.now())
	if err := n.sender.Send(ctx, FormatDigest(d)); err != nil {
		return d, fmt.Errorf("send daily summary: %w", err)
	}
	return d, nil
}

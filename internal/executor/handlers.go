package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/basket/leadops/internal/policy"
	"github.com/basket/leadops/internal/roles"
	"github.com/basket/leadops/internal/shared"
)

type payload map[string]any

func decode(input json.RawMessage) (payload, error) {
	p := payload{}
	if len(input) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func (p payload) str(key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (p payload) num(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func (p payload) flag(key string) bool {
	v, _ := p[key].(bool)
	return v
}

func (p payload) date(key string) (time.Time, bool) {
	return parseDate(p.str(key))
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type handler func(ctx context.Context, p payload) Result

// actionTable dispatches on the input's "action" field.
type actionTable struct {
	role    roles.Role
	actions map[string]handler
}

func (t actionTable) Execute(ctx context.Context, input json.RawMessage) Result {
	p, err := decode(input)
	if err != nil {
		return Failf("invalid input: %v", err)
	}
	action := p.str("action")
	h, ok := t.actions[action]
	if !ok {
		return Failf("%s cannot handle action %q", t.role, action)
	}
	return h(ctx, p)
}

// guard checks a policy decision for a high-risk or privileged step. An
// escalation is satisfied only by the sign-off stored on the task row, which
// the runner carries in ctx; fields in the input are never consulted.
type guard struct {
	checker policy.Checker
}

func (g guard) authorize(ctx context.Context, role roles.Role, action string) *Result {
	d := g.checker.CheckPermission(role, action)
	if d.Allowed {
		return nil
	}
	if d.RequiresApproval {
		if shared.Approver(ctx) != "" {
			return nil
		}
		r := Failf("approval required: %s", d.Reason)
		return &r
	}
	r := Failf("permission denied: %s", d.Reason)
	return &r
}

// Defaults returns the built-in executors for every task role.
func Defaults(checker policy.Checker) *Registry {
	if checker == nil {
		checker = policy.NewLivePolicy(policy.Default())
	}
	g := guard{checker: checker}
	reg, _ := NewRegistry(map[roles.Role]Executor{
		roles.BookingManager: actionTable{role: roles.BookingManager, actions: map[string]handler{
			"handle_booking_request": g.bookingRequest,
			"cancel_booking":         g.cancelBooking,
		}},
		roles.PricingManager: actionTable{role: roles.PricingManager, actions: map[string]handler{
			"update_pricing": g.simple(roles.PricingManager, "pricing:update", "review_scheduled", "propertyId"),
		}},
		roles.CalendarSync: actionTable{role: roles.CalendarSync, actions: map[string]handler{
			"sync_calendar": g.simple(roles.CalendarSync, "calendar:sync", "synced", "propertyId"),
		}},
		roles.Marketing: actionTable{role: roles.Marketing, actions: map[string]handler{
			"run_campaign": g.simple(roles.Marketing, "campaigns:create", "scheduled", "campaignId"),
		}},
		roles.Support: actionTable{role: roles.Support, actions: map[string]handler{
			"handle_ticket":       g.simple(roles.Support, "tickets:create", "opened", "bookingId"),
			"triage_unknown_lead": g.simple(roles.Support, "tickets:create", "triage_opened", "leadType"),
		}},
		roles.Finance: actionTable{role: roles.Finance, actions: map[string]handler{
			"process_refund":    g.processRefund,
			"reconcile_payment": g.simple(roles.Finance, "payments:reconcile", "reconciled", "bookingId"),
		}},
		roles.VendorOnboarding: actionTable{role: roles.VendorOnboarding, actions: map[string]handler{
			"onboard_vendor": g.vendor,
		}},
	})
	return reg
}

// simple acknowledges a request after a permission check, echoing refKey.
func (g guard) simple(role roles.Role, perm, status, refKey string) handler {
	return func(ctx context.Context, p payload) Result {
		if denied := g.authorize(ctx, role, perm); denied != nil {
			return *denied
		}
		out := map[string]any{"status": status}
		if ref := p.str(refKey); ref != "" {
			out[refKey] = ref
		}
		return Ok(out)
	}
}

type window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (g guard) bookingRequest(ctx context.Context, p payload) Result {
	if denied := g.authorize(ctx, roles.BookingManager, "bookings:create"); denied != nil {
		return *denied
	}
	out := map[string]any{"status": "acknowledged"}
	if id := p.str("bookingId"); id != "" {
		out["bookingId"] = id
	}
	checkIn, okIn := p.date("checkIn")
	checkOut, okOut := p.date("checkOut")
	if !okIn && !okOut {
		return Ok(out)
	}
	var existing []policy.Interval
	if raw, ok := p["existingBookings"]; ok {
		b, _ := json.Marshal(raw)
		var windows []window
		if err := json.Unmarshal(b, &windows); err != nil {
			return Failf("invalid existingBookings: %v", err)
		}
		for _, w := range windows {
			s, ok1 := parseDate(w.Start)
			e, ok2 := parseDate(w.End)
			if ok1 && ok2 {
				existing = append(existing, policy.Interval{Start: s, End: e})
			}
		}
	}
	if err := policy.ValidateBookingCreation(policy.Interval{Start: checkIn, End: checkOut}, existing); err != nil {
		return Failf("%v", err)
	}
	out["nights"] = int(checkOut.Sub(checkIn).Hours() / 24)
	return Ok(out)
}

func (g guard) cancelBooking(ctx context.Context, p payload) Result {
	id := p.str("bookingId")
	if id == "" {
		return Failf("bookingId is required to cancel")
	}
	perm := "bookings:cancel"
	if p.flag("force") {
		perm = "bookings:force_cancel"
	}
	if denied := g.authorize(ctx, roles.BookingManager, perm); denied != nil {
		return *denied
	}
	return Ok(map[string]any{"bookingId": id, "status": "cancelled", "forced": p.flag("force")})
}

func (g guard) processRefund(ctx context.Context, p payload) Result {
	amount, ok := p.num("amount")
	if !ok {
		return Failf("refund amount is required")
	}
	if original, ok := p.num("originalAmount"); ok {
		if err := policy.ValidateRefund(amount, original); err != nil {
			return Failf("%v", err)
		}
	} else if amount <= 0 {
		return Failf("refund amount must be positive")
	}
	if denied := g.authorize(ctx, roles.Finance, "refunds:issue"); denied != nil {
		return *denied
	}
	out := map[string]any{"status": "refund_issued", "amount": amount}
	if c := p.str("currency"); c != "" {
		out["currency"] = c
	}
	if id := p.str("bookingId"); id != "" {
		out["bookingId"] = id
	}
	return Ok(out)
}

func (g guard) vendor(ctx context.Context, p payload) Result {
	vendorID := p.str("vendorId")
	if !p.flag("suspend") {
		if denied := g.authorize(ctx, roles.VendorOnboarding, "vendors:create"); denied != nil {
			return *denied
		}
		return Ok(map[string]any{"status": "onboarding_started", "vendorId": vendorID})
	}
	if vendorID == "" {
		return Failf("vendorId is required to suspend")
	}
	if denied := g.authorize(ctx, roles.VendorOnboarding, "vendors:suspend"); denied != nil {
		return *denied
	}
	active, _ := p.num("activeBookings")
	check := policy.ValidateVendorSuspension(int(active))
	return Ok(map[string]any{
		"status":         "suspended",
		"vendorId":       vendorID,
		"notifyBookings": check.NotifyBookings,
	})
}

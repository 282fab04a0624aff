// Package policy decides whether a role may perform an action.
//
// Checks are pure lookups against a per-role permission table. The table
// ships with compiled-in defaults and may be overridden per role from
// policy.yaml; LivePolicy swaps tables atomically on reload.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/leadops/internal/roles"
	"gopkg.in/yaml.v3"
)

// Checker is the interface consumers depend on.
type Checker interface {
	CheckPermission(role roles.Role, action string) Decision
	PolicyVersion() string
}

// Decision is the result of a permission check. A permitted high-risk action
// under the approval flag comes back with Allowed=false and
// RequiresApproval=true, which callers must treat as "escalate", not "deny".
type Decision struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// Policy is the serializable policy data.
type Policy struct {
	RequireApprovalForHighRisk bool                    `yaml:"require_approval_for_high_risk"`
	HighRiskActions            []string                `yaml:"high_risk_actions,omitempty"`
	Permissions                map[roles.Role][]string `yaml:"permissions,omitempty"`
}

var defaultHighRisk = []string{
	"refunds:issue",
	"payments:refund",
	"vendors:suspend",
	"vendors:delete",
	"bookings:force_cancel",
	"agents:create",
}

var defaultPermissions = map[roles.Role][]string{
	roles.BookingManager:   {"bookings:*", "calendar:read", "leads:read", "tasks:read"},
	roles.PricingManager:   {"pricing:*", "bookings:read", "tasks:read"},
	roles.CalendarSync:     {"calendar:*", "bookings:read", "tasks:read"},
	roles.Marketing:        {"campaigns:*", "leads:read", "tasks:read"},
	roles.Support:          {"tickets:*", "bookings:read", "leads:create", "tasks:read"},
	roles.Finance:          {"payments:*", "refunds:*", "invoices:*", "bookings:read", "reports:read", "audit:read", "tasks:read"},
	roles.VendorOnboarding: {"vendors:*", "bookings:read", "tasks:read"},
}

// Default returns the compiled-in table.
func Default() Policy {
	perms := make(map[roles.Role][]string, len(defaultPermissions))
	for r, p := range defaultPermissions {
		perms[r] = slices.Clone(p)
	}
	return Policy{
		HighRiskActions: slices.Clone(defaultHighRisk),
		Permissions:     perms,
	}
}

// Load reads path and overlays it on Default. Roles present in the file
// replace their default list; absent roles keep theirs. A missing or empty
// file yields Default.
func Load(path string) (Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return p, nil
	}
	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := file.validate(); err != nil {
		return Policy{}, err
	}
	p.RequireApprovalForHighRisk = file.RequireApprovalForHighRisk
	if len(file.HighRiskActions) > 0 {
		p.HighRiskActions = normalizeList(file.HighRiskActions)
	}
	for r, perms := range file.Permissions {
		p.Permissions[r] = normalizeList(perms)
	}
	return p, nil
}

func (p Policy) validate() error {
	for r, perms := range p.Permissions {
		if !r.IsTaskRole() {
			return fmt.Errorf("policy: unknown role %q", r)
		}
		for _, perm := range perms {
			if err := validPermission(perm); err != nil {
				return fmt.Errorf("policy: role %s: %w", r, err)
			}
		}
	}
	for _, action := range p.HighRiskActions {
		if err := validPermission(action); err != nil || strings.HasSuffix(strings.TrimSpace(action), "*") {
			return fmt.Errorf("policy: invalid high-risk action %q", action)
		}
	}
	return nil
}

func validPermission(perm string) error {
	perm = strings.ToLower(strings.TrimSpace(perm))
	if perm == "*" {
		return nil
	}
	resource, verb, ok := strings.Cut(perm, ":")
	if !ok || resource == "" || verb == "" || strings.Contains(resource, "*") {
		return fmt.Errorf("invalid permission %q", perm)
	}
	if strings.Contains(verb, "*") && verb != "*" {
		return fmt.Errorf("invalid permission %q", perm)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// CheckPermission evaluates role against action. SUPER_ADMIN is always
// allowed.
func (p Policy) CheckPermission(role roles.Role, action string) Decision {
	action = strings.ToLower(strings.TrimSpace(action))
	if role == roles.SuperAdmin {
		return Decision{Allowed: true}
	}
	if action == "" {
		return Decision{Reason: "empty action"}
	}
	if !p.permits(role, action) {
		return Decision{Reason: fmt.Sprintf("role %s is not permitted to %s", role, action)}
	}
	if p.RequireApprovalForHighRisk && p.IsHighRisk(action) {
		return Decision{
			RequiresApproval: true,
			Reason:           fmt.Sprintf("%s is high risk and requires %s approval", action, roles.SuperAdmin),
		}
	}
	return Decision{Allowed: true}
}

func (p Policy) permits(role roles.Role, action string) bool {
	for _, perm := range p.Permissions[role] {
		if matches(perm, action) {
			return true
		}
	}
	return false
}

// matches reports whether perm grants action. "bookings:*" covers every
// "bookings:" action and "*" covers everything.
func matches(perm, action string) bool {
	perm = strings.ToLower(strings.TrimSpace(perm))
	switch {
	case perm == "*":
		return true
	case strings.HasSuffix(perm, ":*"):
		return strings.HasPrefix(action, strings.TrimSuffix(perm, "*"))
	default:
		return perm == action
	}
}

// IsHighRisk reports whether action is in the high-risk set.
func (p Policy) IsHighRisk(action string) bool {
	return slices.Contains(p.HighRiskActions, strings.ToLower(strings.TrimSpace(action)))
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// LivePolicy wraps a Policy with thread-safe replacement.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

// CheckPermission is the thread-safe check used at runtime.
func (lp *LivePolicy) CheckPermission(role roles.Role, action string) Decision {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.CheckPermission(role, action)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a deep copy of the current policy.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.HighRiskActions = slices.Clone(lp.data.HighRiskActions)
	cp.Permissions = make(map[roles.Role][]string, len(lp.data.Permissions))
	for r, perms := range lp.data.Permissions {
		cp.Permissions[r] = slices.Clone(perms)
	}
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses
// and validates. On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte("approval=" + strconv.FormatBool(p.RequireApprovalForHighRisk) + "|"))
	for _, v := range p.HighRiskActions {
		_, _ = h.Write([]byte(v + "|"))
	}
	keys := make([]string, 0, len(p.Permissions))
	for r := range p.Permissions {
		keys = append(keys, string(r))
	}
	slices.Sort(keys)
	for _, r := range keys {
		_, _ = h.Write([]byte(r + "="))
		for _, v := range p.Permissions[roles.Role(r)] {
			_, _ = h.Write([]byte(v + ","))
		}
		_, _ = h.Write([]byte("|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

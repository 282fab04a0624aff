// Package roles defines the closed set of responsibility roles that own a
// queue partition and an executor.
package roles

import (
	"fmt"
	"strings"
)

// Role names one responsibility category.
type Role string

const (
	BookingManager   Role = "BOOKING_MANAGER"
	PricingManager   Role = "PRICING_MANAGER"
	CalendarSync     Role = "CALENDAR_SYNC"
	Marketing        Role = "MARKETING"
	Support          Role = "SUPPORT"
	Finance          Role = "FINANCE"
	VendorOnboarding Role = "VENDOR_ONBOARDING"

	// SuperAdmin is reserved: it owns no queue and is allowed every action.
	SuperAdmin Role = "SUPER_ADMIN"
)

// all is the fixed runner iteration order.
var all = []Role{
	BookingManager,
	PricingManager,
	CalendarSync,
	Marketing,
	Support,
	Finance,
	VendorOnboarding,
}

// All returns the task roles in runner iteration order. SuperAdmin is excluded.
func All() []Role {
	out := make([]Role, len(all))
	copy(out, all)
	return out
}

// IsTaskRole reports whether r owns a queue partition.
func (r Role) IsTaskRole() bool {
	for _, known := range all {
		if r == known {
			return true
		}
	}
	return false
}

// Valid reports whether r is a task role or the superuser role.
func (r Role) Valid() bool {
	return r == SuperAdmin || r.IsTaskRole()
}

// Action returns the namespaced audit action for tasks executed by r,
// e.g. "task:booking_manager".
func (r Role) Action() string {
	return "task:" + strings.ToLower(string(r))
}

func (r Role) String() string { return string(r) }

// Parse normalizes s ("finance", " Booking_Manager ") into a Role.
func Parse(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

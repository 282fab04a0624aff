package config

import "github.com/basket/leadops/internal/roles"

// StarterAgent is one identity created by `leadops agent seed`.
type StarterAgent struct {
	Name string
	Role roles.Role
}

// StarterAgents returns one worker identity per task role plus an intake
// identity. Seeding only runs against an empty identity store.
func StarterAgents() []StarterAgent {
	out := []StarterAgent{{Name: "lead-intake", Role: roles.Support}}
	names := map[roles.Role]string{
		roles.BookingManager:   "booking-desk",
		roles.PricingManager:   "pricing-desk",
		roles.CalendarSync:     "calendar-sync",
		roles.Marketing:        "marketing-desk",
		roles.Support:          "support-desk",
		roles.Finance:          "finance-desk",
		roles.VendorOnboarding: "vendor-desk",
	}
	for _, r := range roles.All() {
		out = append(out, StarterAgent{Name: names[r], Role: r})
	}
	return out
}

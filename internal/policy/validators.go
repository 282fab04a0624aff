package policy

import (
	"time"

	"github.com/basket/leadops/internal/shared"
)

// Interval is a half-open booking window [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (i Interval) overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// ValidateBookingCreation checks that the requested window is well formed and
// does not overlap any existing booking of the same property.
func ValidateBookingCreation(requested Interval, existing []Interval) error {
	if requested.Start.IsZero() || requested.End.IsZero() {
		return shared.NewError(shared.KindInvalidInput, "booking start and end are required")
	}
	if !requested.Start.Before(requested.End) {
		return shared.NewError(shared.KindInvalidInput, "booking start must be before end")
	}
	for _, b := range existing {
		if requested.overlaps(b) {
			return shared.NewError(shared.KindConflict, "booking overlaps existing booking %s to %s",
				b.Start.Format(time.DateOnly), b.End.Format(time.DateOnly))
		}
	}
	return nil
}

// ValidateRefund checks that a refund is positive and no larger than the
// original payment.
func ValidateRefund(amount, originalPayment float64) error {
	if amount <= 0 {
		return shared.NewError(shared.KindInvalidInput, "refund amount must be positive")
	}
	if amount > originalPayment {
		return shared.NewError(shared.KindInvalidInput, "refund amount %.2f exceeds original payment %.2f", amount, originalPayment)
	}
	return nil
}

// VendorSuspension is the outcome of ValidateVendorSuspension.
type VendorSuspension struct {
	Allowed        bool   `json:"allowed"`
	NotifyBookings bool   `json:"notify_bookings"`
	Reason         string `json:"reason,omitempty"`
}

// ValidateVendorSuspension always allows suspension but flags downstream
// notification when the vendor still has active bookings.
func ValidateVendorSuspension(activeBookings int) VendorSuspension {
	if activeBookings > 0 {
		return VendorSuspension{
			Allowed:        true,
			NotifyBookings: true,
			Reason:         "vendor has active bookings; guests must be notified",
		}
	}
	return VendorSuspension{Allowed: true}
}

package domain

import "errors"

var (
	ErrNoSubscription    = errors.New("no_subscription")
	ErrPackExpired       = errors.New("pack_expired")
	ErrDailyLimitReached = errors.New("daily_limit_reached")
	ErrPackExhausted     = errors.New("pack_exhausted")
	ErrUnknownCategory   = errors.New("unknown_category")
	ErrUnknownPackKind   = errors.New("unknown_pack_kind")
)

// IsDenial reports whether err is one of the entitlement denial reasons a
// caller can act on (buy a pack, wait for the daily reset).
func IsDenial(err error) bool {
	return errors.Is(err, ErrNoSubscription) ||
		errors.Is(err, ErrPackExpired) ||
		errors.Is(err, ErrDailyLimitReached) ||
		errors.Is(err, ErrPackExhausted)
}

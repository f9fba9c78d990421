// Package flows holds one small state machine per auth screen. Each owns
// the loading/error/cooldown state local to its flow and calls the auth
// service; none of them navigate directly. Flow state is created per screen
// mount and thrown away on unmount, never persisted.
package flows

import "time"

// Clock is injected into every flow so cooldown and window logic is
// testable without sleeping.
type Clock func() time.Time

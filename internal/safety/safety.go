// Package safety gates every code path that can place real orders.
package safety

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ConfirmEnvVar must be set to "1" in the environment, in addition to the
// --live flag, before any live order can be placed.
const ConfirmEnvVar = "CONFIRM_LIVE_TRADING"

// ErrLiveTradingBlocked is returned when a live action is requested without
// explicit confirmation. Always fatal, always before any network mutation.
var ErrLiveTradingBlocked = errors.New("live trading blocked")

// RequireLiveConfirmation permits live order placement only when the --live
// flag is set and the confirmation variable is present.
//
// Returns (false, nil) when liveFlag is false: the caller stays in dry-run
// mode. Returns an error wrapping ErrLiveTradingBlocked when liveFlag is set
// but the environment does not confirm it.
func RequireLiveConfirmation(liveFlag bool, actionName string) (bool, error) {
	if !liveFlag {
		return false, nil
	}

	if strings.TrimSpace(os.Getenv(ConfirmEnvVar)) == "1" {
		return true, nil
	}

	return false, fmt.Errorf("%w for %q: set %s=1 and rerun with --live",
		ErrLiveTradingBlocked, actionName, ConfirmEnvVar)
}

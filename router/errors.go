package router

import (
	"errors"
	"fmt"
)

// ErrNoEndpoints is returned by synchronous policies asked to route with an
// empty endpoint list. The serving layer decides whether that becomes a
// 503-class response.
var ErrNoEndpoints = errors.New("no endpoints available for routing")

// ErrPolicyNotInitialized is returned by PolicyRegistry.Get before a policy
// has been installed.
var ErrPolicyNotInitialized = errors.New("the routing policy has not been initialized")

func errInvalidWindow(size float64) error {
	return fmt.Errorf("sliding window size must be positive, got %g", size)
}

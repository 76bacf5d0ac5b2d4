// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error definitions for the reactor core.

package reactor

import "errors"

var (
	// ErrPoolStarted indicates the thread pool was already started.
	ErrPoolStarted = errors.New("loop thread pool already started")
)

// SPDX-License-Identifier: AGPL-3.0-only

package test

import (
	"testing"

	"go.uber.org/goleak"
)

// VerifyNoLeak fails the test if goroutines started during the test are still
// running once it (and every cleanup registered after this call) has finished.
func VerifyNoLeak(t testing.TB) {
	opts := []goleak.Option{
		// Goroutines which were already running when the test started belong to
		// other tests or to the runtime, not to the code under test.
		goleak.IgnoreCurrent(),
	}

	// Run it as a cleanup function so that "last added, first called" ordering execution is guaranteed.
	t.Cleanup(func() {
		goleak.VerifyNone(t, opts...)
	})
}

// SPDX-License-Identifier: MIT

package pool

import (
	"testing"

	"go.uber.org/goleak"
)

// Every test here starts Run/animator goroutines; verify they all wind
// down after cleanup.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

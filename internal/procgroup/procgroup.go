// SPDX-License-Identifier: MIT

// Package procgroup isolates external tool invocations in their own
// process group so cancellation cannot leave strays behind.
package procgroup

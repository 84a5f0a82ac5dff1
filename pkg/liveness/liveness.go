// Package liveness derives the device's online/offline state from the
// age of its most recent reading.
package liveness

import "time"

// DefaultWindow is the maximum age of the latest timestamp for the
// device to count as online: two to four push cycles at the expected
// seconds-scale cadence.
const DefaultWindow = 20 * time.Second

// Online reports whether a device whose latest reading carries unix
// timestamp lastTS is considered live at now. The boundary is
// inclusive: an age of exactly window is still online. A zero or
// negative lastTS means no reading was ever received, which is always
// offline.
func Online(lastTS int64, now time.Time, window time.Duration) bool {
	if lastTS <= 0 {
		return false
	}
	age := now.Unix() - lastTS
	return age <= int64(window/time.Second)
}

/*
Copyright © 2026 Jack Chindlund <jack@chindlund.dev>
*/

package main

import (
	"fmt"
)

// humanReadableSize renders a byte count in decimal units, for error
// messages that name the upload cap.
func humanReadableSize(bytes int64) string {
	const unit int64 = 1000

	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	value := float64(bytes)
	suffixes := "kMGTPE"
	idx := 0

	for value /= float64(unit); value >= float64(unit) && idx < len(suffixes)-1; value /= float64(unit) {
		idx++
	}

	return fmt.Sprintf("%.1f %cB", value, suffixes[idx])
}

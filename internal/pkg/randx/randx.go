/*
Package randx provides identifiers used to correlate log lines.
*/
package randx

import (
	"github.com/google/uuid"
)

// TaskID generates a UUID v4 string identifying one dispatched protocol operation.
func TaskID() string {
	return uuid.New().String()
}


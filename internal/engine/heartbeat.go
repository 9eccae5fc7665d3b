package engine

import (
	"fmt"
	"time"
)

// heartbeatThreshold pairs a minimum elapsed duration with the message
// shown once a still-Executing command has run at least that long. Ordered
// ascending; heartbeatMessage picks the last threshold that applies.
type heartbeatThreshold struct {
	after   time.Duration
	message string
}

var heartbeatThresholds = []heartbeatThreshold{
	{30 * time.Second, "still running"},
	{2 * time.Minute, "still running, this is taking a while"},
	{5 * time.Minute, "still running, large dumps or symbol loads can take several minutes"},
	{15 * time.Minute, "still running after an unusually long time, consider cancelling if this is unexpected"},
}

// heartbeatMessage renders a progress message for cmdPrefix (a short
// excerpt of the command text) given how long it has been Executing.
func heartbeatMessage(cmdPrefix string, elapsed time.Duration) string {
	msg := "still running"
	for _, t := range heartbeatThresholds {
		if elapsed >= t.after {
			msg = t.message
		}
	}
	return fmt.Sprintf("%q %s (%s elapsed)", cmdPrefix, msg, elapsed.Round(time.Second))
}

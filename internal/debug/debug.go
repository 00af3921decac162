package debug

import (
	"context"
	"fmt"
	"os"
)

// EnvStop names the environment variable holding the stop label.
const EnvStop = "RBDSYNC_TEST_STOP"

// StopIf blocks until ctx is done if RBDSYNC_TEST_STOP equals label. It
// prints a marker line to stderr so tests can wait until the exact stop
// point is reached before sending signals.
func StopIf(ctx context.Context, label string) {
	if os.Getenv(EnvStop) != label {
		return
	}
	fmt.Fprintf(os.Stderr, "TEST_stop_point_%s\n", label)
	<-ctx.Done()
}

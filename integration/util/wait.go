//go:build integration
// +build integration

package util

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// WaitCephReady polls `ceph health` inside container until the cluster
// answers with HEALTH_OK or HEALTH_WARN.
func WaitCephReady(ctx context.Context, container string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		out, err := exec.CommandContext(ctx, "docker", "exec", container, "ceph", "health").Output()
		if err == nil && !strings.HasPrefix(string(out), "HEALTH_ERR") && len(out) > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s did not become ready", container)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

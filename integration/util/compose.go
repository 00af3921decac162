//go:build integration
// +build integration

package util

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"
)

// StartCompose brings up docker-compose stack and returns a teardown func.
// composeFile is path to compose.yml, projectName becomes docker-compose -p <name>.
func StartCompose(ctx context.Context, composeFile, projectName string) (func() error, error) {
	absCompose, errAbs := filepath.Abs(composeFile)
	if errAbs != nil {
		return nil, fmt.Errorf("abs path: %w", errAbs)
	}

	up := exec.CommandContext(ctx, "docker", "compose", "-f", absCompose, "-p", projectName, "up", "-d")
	out, err := up.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker compose up: %w\n%s", err, string(out))
	}

	teardown := func() error {
		downCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		down := exec.CommandContext(downCtx, "docker", "compose", "-f", absCompose, "-p", projectName, "down", "-v")
		return down.Run()
	}
	return teardown, nil
}

// Exec runs argv inside container and returns combined output.
func Exec(ctx context.Context, container string, argv ...string) (string, error) {
	args := append([]string{"exec", container}, argv...)
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("docker exec %v: %w\n%s", argv, err, string(out))
	}
	return string(out), nil
}

// CopyInto copies a local file into container at dst.
func CopyInto(ctx context.Context, container, src, dst string) error {
	out, err := exec.CommandContext(ctx, "docker", "cp", src, container+":"+dst).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker cp: %w\n%s", err, string(out))
	}
	return nil
}

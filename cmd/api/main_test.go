package main

import "testing"

func TestExitCodeOnMissingConfig(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("REDIS_ADDR", "")
	if code := exitCode(); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

package observability

import (
	"context"
	"fmt"
	"os"
)

// WorkspaceCheck probes that a workspace directory exists and accepts
// writes. An empty dir (memory-only mode) always passes.
func WorkspaceCheck(name, dir string) Check {
	return Check{Name: name, Probe: func(context.Context) error {
		if dir == "" {
			return nil
		}
		f, err := os.CreateTemp(dir, ".healthz-*")
		if err != nil {
			return fmt.Errorf("workspace not writable: %w", err)
		}
		path := f.Name()
		f.Close()
		return os.Remove(path)
	}}
}

// FlushCheck probes a store by asking it to flush. A clean store returns
// immediately; a wedged writer surfaces here.
func FlushCheck(name string, flush func() error) Check {
	return Check{Name: name, Probe: func(context.Context) error { return flush() }}
}

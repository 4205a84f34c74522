package fleet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spritelab/fleetd/internal/domain"
	"github.com/spritelab/fleetd/internal/port/sandbox"
)

// CollectOutput drains a streaming exec session until the exit event, the
// context is canceled, or no event arrives within idleTimeout. The idle
// timer resets on every event, so long-running commands stay alive as long
// as they keep producing output.
func CollectOutput(ctx context.Context, s sandbox.Session, idleTimeout time.Duration) (sandbox.ExecResult, error) {
	defer func() { _ = s.Close() }()

	var out strings.Builder
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return sandbox.ExecResult{Output: out.String()}, ctx.Err()
		case <-idle.C:
			return sandbox.ExecResult{Output: out.String()},
				fmt.Errorf("no output for %s: %w", idleTimeout, domain.ErrIdleTimeout)
		case ev, ok := <-s.Events():
			if !ok {
				// Stream ended without an exit event.
				return sandbox.ExecResult{Output: out.String()},
					fmt.Errorf("session closed before exit event")
			}
			switch ev.Kind {
			case sandbox.StreamStdout, sandbox.StreamStderr:
				out.WriteString(ev.Chunk)
			case sandbox.StreamExit:
				return sandbox.ExecResult{Output: out.String(), ExitCode: ev.ExitCode}, nil
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)
		}
	}
}

package trace

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/reprozip/reprozip/internal/ctxlog"
)

const DefaultEventBuffer = 1024

// Record traces command and streams its events into sink. The tracer and
// the sink run concurrently, connected by a channel of the given capacity;
// a slow sink stalls the tracer instead of losing events. A sink failure
// cancels the trace, which kills the traced tree.
func Record(ctx context.Context, tracer Tracer, command Command, runID int, sink Sink, buffer int) (Result, error) {
	if len(command.Argv) == 0 {
		return Result{}, fmt.Errorf("command is required")
	}
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	logger := ctxlog.FromContext(ctx)
	events := make(chan Event, buffer)
	group, groupCtx := errgroup.WithContext(ctx)

	var result Result
	group.Go(func() error {
		defer close(events)
		var err error
		result, err = tracer.Trace(groupCtx, command, runID, events)
		return err
	})
	group.Go(func() error {
		for event := range events {
			if err := sink.Write(groupCtx, event); err != nil {
				// keep draining so the tracer never blocks on a dead consumer
				for range events {
				}
				return fmt.Errorf("store event %d: %w", event.Seq, err)
			}
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return result, err
	}
	logger.Info("trace finished",
		"run", runID,
		"exit_code", result.ExitCode,
		"processes", result.Processes,
		"events", result.Events,
		"duration", result.Duration)
	return result, nil
}

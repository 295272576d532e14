package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const backgroundTimeout = 2 * time.Minute

// TaskGroup runs fire-and-forget work that must outlive the request that
// triggered it. Wait blocks until everything started so far has finished.
type TaskGroup struct {
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewTaskGroup(logger *slog.Logger) *TaskGroup {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskGroup{logger: logger}
}

// Go runs fn detached from ctx's cancellation. Errors and panics are logged.
func (g *TaskGroup) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				g.logger.ErrorContext(ctx, "background task panicked",
					"module", "engine.tasks",
					"operation", name,
					"outcome", "panic",
					"error", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
			}
		}()
		if err := fn(ctx); err != nil {
			g.logger.ErrorContext(ctx, "background task failed",
				"module", "engine.tasks",
				"operation", name,
				"outcome", "error",
				"error", err,
			)
		}
	}()
}

func (g *TaskGroup) Wait() {
	g.wg.Wait()
}

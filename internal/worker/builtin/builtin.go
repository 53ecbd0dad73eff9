// Package builtin provides small demonstration workers that ship with the
// tantra server.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/atulyaai/tantra/internal/model"
	"github.com/atulyaai/tantra/internal/worker"
)

const (
	// KindEcho is the task kind handled by the echo worker.
	KindEcho = "echo"

	// KindDelay is the task kind handled by the delay worker.
	KindDelay = "delay"

	inputDurationSec = "duration_sec"
	inputDurationMS  = "duration_ms"
	inputFail        = "fail"

	delaySteps = 10
)

// ErrInvalidInput is returned when a task's input cannot be interpreted.
var ErrInvalidInput = errors.New("invalid task input")

// Echo returns its input as the result.
type Echo struct {
	*worker.Base
}

// NewEcho creates an echo worker.
func NewEcho(maxConcurrent int, historySize int) *Echo {
	return &Echo{Base: worker.NewBase(worker.Config{
		Name:          KindEcho,
		Capabilities:  []string{KindEcho},
		MaxConcurrent: maxConcurrent,
		HistorySize:   historySize,
	})}
}

// Execute copies the input into the result. An input key "fail" holding a
// non-empty string turns the task into a failure with that message.
func (e *Echo) Execute(_ context.Context, t model.Task) (map[string]any, error) {
	if msg, ok := t.Input[inputFail].(string); ok && msg != "" {
		return nil, errors.New(msg)
	}
	return map[string]any{
		"echo":        maps.Clone(t.Input),
		"description": t.Description,
	}, nil
}

// Delay waits for the requested duration, reporting progress as it goes.
//
// Input:
//
//	{"duration_sec": 2}   // or
//	{"duration_ms": 250}
type Delay struct {
	*worker.Base
}

// NewDelay creates a delay worker.
func NewDelay(maxConcurrent int, historySize int) *Delay {
	return &Delay{Base: worker.NewBase(worker.Config{
		Name:          KindDelay,
		Capabilities:  []string{KindDelay},
		MaxConcurrent: maxConcurrent,
		HistorySize:   historySize,
		EstimateFn: func(t *model.Task) worker.Estimate {
			d, err := parseDuration(t.Input)
			if err != nil {
				d = 0
			}
			return worker.Estimate{ExpectedDuration: d}
		},
	})}
}

// Execute sleeps in steps so cancellation is observed promptly.
func (d *Delay) Execute(ctx context.Context, t model.Task) (map[string]any, error) {
	duration, err := parseDuration(t.Input)
	if err != nil {
		return nil, err
	}

	step := duration / delaySteps
	timer := time.NewTimer(step)
	defer timer.Stop()

	for i := 1; i <= delaySteps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			worker.ReportProgress(ctx, float64(i)/delaySteps)
			timer.Reset(step)
		}
	}

	return map[string]any{"duration_ms": duration.Milliseconds()}, nil
}

func parseDuration(input map[string]any) (time.Duration, error) {
	if sec, ok := number(input[inputDurationSec]); ok && sec > 0 {
		return time.Duration(sec * float64(time.Second)), nil
	}
	if ms, ok := number(input[inputDurationMS]); ok && ms > 0 {
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
	return 0, fmt.Errorf("%w: %s or %s required", ErrInvalidInput, inputDurationSec, inputDurationMS)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

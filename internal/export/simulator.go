package export

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Simulator is a Pipeline that advances a job by a fixed step on a fixed
// tick without producing a real artifact.
type Simulator struct {
	// Interval between ticks. Defaults to 500ms.
	Interval time.Duration
	// Step is the progress added per tick. Defaults to 10.
	Step int
	// FailAt makes the run fail on the tick that would reach this
	// percentage. Zero never fails.
	FailAt int
	// FailureRate is the chance in [0,1] that any tick fails.
	FailureRate float64
}

func (s *Simulator) Run(ctx context.Context, job Job, report ProgressFunc) (Result, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	step := s.Step
	if step <= 0 || step > 100 {
		step = 10
	}

	for p := step; ; p += step {
		select {
		case <-ctx.Done():
			return Result{}, context.Cause(ctx)
		case <-time.After(interval):
		}

		if s.FailAt > 0 && p >= s.FailAt {
			return Result{}, fmt.Errorf("simulated failure at %d%%", p)
		}
		if s.FailureRate > 0 && rand.Float64() < s.FailureRate {
			return Result{}, fmt.Errorf("simulated failure at %d%%", p)
		}
		if p >= 100 {
			break
		}
		report(p)
	}

	return Result{
		DownloadRef: "simulated/" + job.ID + "." + string(job.Format),
		SizeBytes:   int64(len(job.Parameters)) * 256 * 1024,
	}, nil
}

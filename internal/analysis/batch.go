package analysis

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/acheong08/npm-sentinel/pkg/models"
)

// Job produces the result for one package of a batch
type Job struct {
	Name string
	Run  func(ctx context.Context) (models.AnalysisResult, error)
}

// BatchResult is the outcome of one Job
type BatchResult struct {
	Name   string                `json:"name"`
	Result models.AnalysisResult `json:"result"`
	Err    error                 `json:"-"`
}

// Batch runs jobs with at most workers in flight. Results are returned in job
// order; a failing job only affects its own slot.
func Batch(ctx context.Context, jobs []Job, workers int) []BatchResult {
	if workers < 1 {
		workers = 1
	}

	results := make([]BatchResult, len(jobs))

	var g errgroup.Group
	g.SetLimit(workers)

	for i, job := range jobs {
		results[i].Name = job.Name
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Result, results[i].Err = job.Run(ctx)
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// InputJob wraps an already loaded input
func (a *Analyzer) InputJob(in Input) Job {
	return Job{
		Name: in.Name,
		Run: func(ctx context.Context) (models.AnalysisResult, error) {
			return a.AnalyzeContext(ctx, in)
		},
	}
}

// PathJob scans an extracted package directory when the job runs
func (a *Analyzer) PathJob(path string) Job {
	return Job{
		Name: path,
		Run: func(ctx context.Context) (models.AnalysisResult, error) {
			return a.AnalyzePath(ctx, path)
		},
	}
}

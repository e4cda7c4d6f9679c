package upload

import (
	"context"
	"time"

	"mealsync/internal/models"

	"golang.org/x/sync/errgroup"
)

type BatchResult struct {
	Index  int
	Image  models.ImageRef
	Result *Result
	Err    error
}

func (b BatchResult) OK() bool { return b.Err == nil && b.Result != nil }

// UploadBatch uploads images in groups of BatchSize, pausing BatchDelay
// between groups. One failure never aborts its siblings; results keep the
// input order.
func (p *Pipeline) UploadBatch(ctx context.Context, images []models.ImageRef, opts Options) []BatchResult {
	results := make([]BatchResult, len(images))
	for i, img := range images {
		results[i] = BatchResult{Index: i, Image: img}
	}

	size := p.cfg.BatchSize
	for start := 0; start < len(images); start += size {
		if start > 0 && p.cfg.BatchDelay > 0 {
			t := time.NewTimer(p.cfg.BatchDelay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			for i := start; i < len(images); i++ {
				results[i].Err = p.classify(ctx, "", ctx.Err())
			}
			break
		}

		end := min(start+size, len(images))
		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				o := opts
				o.ID = ""
				res, err := p.Upload(ctx, images[i], nil, o)
				results[i].Result, results[i].Err = res, err
				return nil
			})
		}
		_ = g.Wait()
	}

	ok := 0
	for _, r := range results {
		if r.OK() {
			ok++
		}
	}
	p.logger.Info().Int("total", len(images)).Int("succeeded", ok).Msg("batch upload finished")
	return results
}

// Summary counts successes and failures of a batch.
func Summary(results []BatchResult) (succeeded, failed int) {
	for _, r := range results {
		if r.OK() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

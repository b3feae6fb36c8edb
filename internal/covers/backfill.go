package covers

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Backfill outcome statuses
const (
	StatusSuccess  = "success"
	StatusNotFound = "not_found"
	StatusFailed   = "failed"
)

// BackfillItem is the outcome for one record
type BackfillItem struct {
	ID        int    `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	CoverPath string `json:"coverImage,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// BackfillReport summarizes a backfill run
type BackfillReport struct {
	Processed int            `json:"processed"`
	Succeeded int            `json:"succeeded"`
	NotFound  int            `json:"notFound"`
	Failed    int            `json:"failed"`
	Results   []BackfillItem `json:"results"`
}

// Backfill resolves covers for every record that has no cached cover.
// Records are processed in parallel; concurrency <= 0 means no limit.
// A failure for one record is reported and never stops the others.
func (s *Service) Backfill(ctx context.Context, concurrency int) (BackfillReport, error) {
	list, err := s.store.List()
	if err != nil {
		return BackfillReport{}, err
	}

	var ids []int
	titles := make(map[int]string)
	for _, a := range list {
		if s.cache.IsCachedPath(a.CoverImage) {
			continue
		}
		ids = append(ids, a.ID)
		titles[a.ID] = a.Title
	}

	report := BackfillReport{Results: make([]BackfillItem, len(ids))}
	if len(ids) == 0 {
		return report, nil
	}
	slog.Info("Backfilling covers", "records", len(ids), "concurrency", concurrency)

	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, id := range ids {
		g.Go(func() error {
			item := BackfillItem{ID: id, Title: titles[id]}
			res, err := s.ResolveRecord(gctx, id, "")
			switch {
			case err != nil:
				item.Status = StatusFailed
				item.Reason = err.Error()
				slog.Warn("Cover backfill failed", "id", id, "title", item.Title, "error", err)
			case res.NotFound:
				item.Status = StatusNotFound
				item.Reason = res.Message
			default:
				item.Status = StatusSuccess
				item.CoverPath = res.LocalPath
			}
			report.Results[i] = item
			// per-record failures are in the report; only cancellation stops the batch
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	for _, item := range report.Results {
		report.Processed++
		switch item.Status {
		case StatusSuccess:
			report.Succeeded++
		case StatusNotFound:
			report.NotFound++
		case StatusFailed:
			report.Failed++
		}
	}
	slog.Info("Cover backfill complete", "processed", report.Processed, "succeeded", report.Succeeded,
		"not_found", report.NotFound, "failed", report.Failed)
	return report, nil
}

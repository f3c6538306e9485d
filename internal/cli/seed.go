package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/atenni/offboarding-automation/pkg/queue"
)

// seedWorkers bounds in-flight writes; the limiter bounds their rate.
const seedWorkers = 4

func newSeedCmd(a *app) *cobra.Command {
	var count, rps int

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the queue with test items spread over the coming week",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("count") {
				count = a.cfg.Seed.Count
			}
			if !cmd.Flags().Changed("rps") {
				rps = a.cfg.Seed.RPS
			}
			if count < 1 || rps < 1 {
				return fmt.Errorf("count and rps must be positive, got %d and %d", count, rps)
			}

			items, err := seedItems(a.store.Today(), count)
			if err != nil {
				return err
			}
			if err := seed(cmd.Context(), a.store, a.log, items, rate.NewLimiter(rate.Limit(rps), 1)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d items into %s\n", len(items), a.store.Table())
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of items")
	cmd.Flags().IntVar(&rps, "rps", 5, "write rate limit, items per second")
	return cmd
}

// seedItems returns count queued test users, one day apart over seven days
// starting at today.
func seedItems(today string, count int) ([]queue.Item, error) {
	start, err := time.Parse(queue.DateLayout, today)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", today, err)
	}

	items := make([]queue.Item, 0, count)
	for i := 0; i < count; i++ {
		items = append(items, queue.Item{
			Email:           fmt.Sprintf("test.user%03d@example.com", i+1),
			Status:          queue.StatusQueued,
			OffboardingDate: start.AddDate(0, 0, i%7).Format(queue.DateLayout),
			SnowID:          fmt.Sprintf("RITM%07d", i+1),
		})
	}
	return items, nil
}

func seed(ctx context.Context, s *queue.Store, log *zap.Logger, items []queue.Item, lim *rate.Limiter) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(seedWorkers)

	var waitErr error
	for _, item := range items {
		if waitErr = lim.Wait(ctx); waitErr != nil {
			break
		}
		item := item
		g.Go(func() error {
			res, err := s.UpsertItem(ctx, item)
			if err != nil {
				return fmt.Errorf("seed %s: %w", item.Email, err)
			}
			log.Debug("seeded item", zap.String("email", item.Email), zap.Int64("version", res.Item.Version))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return waitErr
}

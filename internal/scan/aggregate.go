package scan

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tapguard/tapguard/internal/normalize"
)

// Aggregate dispatches one scan call per fragment, all concurrently, waits
// for every call, and folds the results into one combined verdict. Dispatch
// order is all text fragments in extraction order followed by all image
// fragments in extraction order; the fold is deterministic in that order
// regardless of completion order.
//
// Text fragments are normalized (invisible-rune stripping + NFKC) before
// submission; image fragments are sent as-is.
//
// If any call fails the whole aggregation fails: one unscannable fragment
// invalidates the message's scan, and no partial verdict is produced.
func Aggregate(ctx context.Context, c Client, texts []string, images [][]byte) (*Verdict, error) {
	n := len(texts) + len(images)
	if n == 0 {
		return nil, fmt.Errorf("no fragments to scan")
	}

	verdicts := make([]*Verdict, n)
	g, gctx := errgroup.WithContext(ctx)

	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			v, err := c.ScanText(gctx, normalize.ForScan(text))
			if err != nil {
				return fmt.Errorf("scanning text fragment %d: %w", i, err)
			}
			verdicts[i] = v
			return nil
		})
	}
	for j, img := range images {
		j, img := j, img
		idx := len(texts) + j
		g.Go(func() error {
			v, err := c.ScanImage(gctx, img)
			if err != nil {
				return fmt.Errorf("scanning image fragment %d: %w", j, err)
			}
			verdicts[idx] = v
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := make([]Verdict, n)
	for i, v := range verdicts {
		all[i] = *v
	}
	combined := Combine(all)
	return &combined, nil
}

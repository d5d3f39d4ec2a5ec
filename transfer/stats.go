package transfer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"goxbridge/ledger"
	"goxbridge/types"
)

const statsWindow = 24 * time.Hour

// Stats summarizes transfers created in the last 24 hours. Volume is in USD at
// the static asset reference prices; the success rate counts terminal
// transfers only.
func (s *Service) Stats(ctx context.Context) (types.BridgeStats, error) {
	now := s.env.now()
	recent, err := s.ledger.List(ctx, ledger.Filter{Since: now.Add(-statsWindow)})
	if err != nil {
		return types.BridgeStats{}, err
	}

	prices := map[string]decimal.Decimal{}
	for _, a := range s.assets {
		if p, err := decimal.NewFromString(a.UsdPrice); err == nil {
			prices[a.Symbol] = p
		}
	}

	volume := decimal.Zero
	var completed, failed, measured int
	var completionTotal time.Duration
	for _, t := range recent {
		if amount, err := decimal.NewFromString(t.Amount); err == nil {
			volume = volume.Add(amount.Mul(prices[t.Asset]))
		}
		switch t.Status {
		case types.StatusCompleted:
			completed++
			if t.CompletedAt != nil {
				completionTotal += t.CompletedAt.Sub(t.CreatedAt)
				measured++
			}
		case types.StatusFailed:
			failed++
		}
	}

	stats := types.BridgeStats{
		Volume24h:             volume.StringFixed(2),
		Transfers24h:          len(recent),
		AverageCompletionTime: "n/a",
	}
	if measured > 0 {
		avg := completionTotal / time.Duration(measured)
		stats.AverageCompletionTime = fmt.Sprintf("~%d minutes", int(math.Ceil(avg.Minutes())))
	}
	if completed+failed > 0 {
		rate := float64(completed) / float64(completed+failed) * 100
		stats.SuccessRate = math.Round(rate*10) / 10
	}
	return stats, nil
}

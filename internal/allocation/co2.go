package allocation

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"carbonsplit/internal/core"
)

// quote is the tax-inclusive price of one project, or why there is none.
type quote struct {
	priceTTC core.Money
	err      error
}

// ToTonnage converts amount into tons of CO2 at the project's current
// tax-inclusive price. It also returns that price so callers can keep it
// alongside the tonnage.
func (e *Engine) ToTonnage(ctx context.Context, amount core.Money, projectID int64) (decimal.Decimal, core.Money, error) {
	q := e.quote(ctx, projectID)
	return e.convert(amount, q)
}

// quotes fetches prices before a transaction opens: the provider may need a
// connection of its own.
func (e *Engine) quotes(ctx context.Context, projectIDs []int64) map[int64]quote {
	out := make(map[int64]quote, len(projectIDs))
	for _, id := range projectIDs {
		if _, ok := out[id]; !ok {
			out[id] = e.quote(ctx, id)
		}
	}
	return out
}

func (e *Engine) quote(ctx context.Context, projectID int64) quote {
	priceHT, err := e.prices.ActivePrice(ctx, projectID)
	if err != nil {
		if errors.Is(err, core.ErrPriceUnavailable) || errors.Is(err, core.ErrNotFound) {
			return quote{err: &core.PriceUnavailableError{ProjectID: projectID}}
		}
		return quote{err: fmt.Errorf("load carbon price of project %d: %w", projectID, err)}
	}
	priceTTC := e.tax.TaxInclusive(priceHT)
	if !priceTTC.IsPositive() {
		return quote{err: &core.PriceUnavailableError{ProjectID: projectID}}
	}
	return quote{priceTTC: priceTTC}
}

func (e *Engine) convert(amount core.Money, q quote) (decimal.Decimal, core.Money, error) {
	if q.err != nil {
		return decimal.Zero, core.Money{}, q.err
	}
	tonnage := amount.Decimal().DivRound(q.priceTTC.Decimal(), e.config.TonnagePrecision)
	return tonnage, q.priceTTC, nil
}

package ledger

import (
	"context"
	"encoding/json"

	"github.com/jellydator/ttlcache/v3"
	"github.com/shopspring/decimal"

	"github.com/revenue-tracker/internal/logging"
)

const priceKey = "zelcash:usd"

type priceResponse struct {
	Zelcash struct {
		USD json.Number `json:"usd"`
	} `json:"zelcash"`
}

// SpotPrice returns the USD spot price, or an invalid NullDecimal when the
// provider is unavailable. It never fails the caller.
func (c *Client) SpotPrice(ctx context.Context) decimal.NullDecimal {
	if item := c.priceCache.Get(priceKey); item != nil {
		return decimal.NewNullDecimal(item.Value())
	}

	var price decimal.Decimal
	err := c.priceBreaker.Execute(ctx, func(ctx context.Context) error {
		var out priceResponse
		if err := c.getAuxJSON(ctx, c.cfg.PriceURL, &out); err != nil {
			return err
		}
		p, err := decimal.NewFromString(out.Zelcash.USD.String())
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	if err != nil || !price.IsPositive() {
		logging.FromContext(ctx).WithError(err).Warn("No USD price available")
		return decimal.NullDecimal{}
	}

	c.priceCache.Set(priceKey, price, ttlcache.DefaultTTL)
	return decimal.NewNullDecimal(price)
}

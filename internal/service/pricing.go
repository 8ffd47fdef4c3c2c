package service

import (
	"context"
	"time"

	"prenotazioni/internal/db"
	apperrors "prenotazioni/internal/errors"
)

// PriceQuote is the pricing collaborator's answer for one booking
// configuration.
type PriceQuote struct {
	AmountCents   int64
	DiscountCents int64
	AdvanceCents  int64
	BalanceCents  int64
}

// Pricer is the external pricing/promo collaborator. The coordinator only
// depends on this surface; the arithmetic behind it is not part of the
// booking core.
type Pricer interface {
	ComputePrice(ctx context.Context, mealService *db.MealService, partySize int, promoCode string) (*PriceQuote, error)
	ValidatePromoCode(ctx context.Context, code string, partySize int, date time.Time) error
}

// PriceReader supplies per-head meal prices and promo configurations.
type PriceReader interface {
	GetMealPrice(ctx context.Context, mealServiceID int64) (int64, error)
	GetPromoCode(ctx context.Context, code string) (*db.PromoCode, error)
}

// StandardPricer prices a booking as partySize times the configured
// per-head meal price, with a percentage promo discount. The advance is a
// flat 30% of the discounted amount, collected at booking time.
type StandardPricer struct {
	Prices PriceReader
}

func NewStandardPricer(prices PriceReader) *StandardPricer {
	return &StandardPricer{Prices: prices}
}

func (p *StandardPricer) ComputePrice(ctx context.Context, mealService *db.MealService, partySize int, promoCode string) (*PriceQuote, error) {
	perHead, err := p.Prices.GetMealPrice(ctx, mealService.ID)
	if err != nil {
		return nil, apperrors.NewExternalFailure("pricing", err)
	}
	amount := perHead * int64(partySize)

	var discount int64
	if promoCode != "" {
		promo, err := p.Prices.GetPromoCode(ctx, promoCode)
		if err != nil {
			return nil, apperrors.NewExternalFailure("pricing", err)
		}
		if promo != nil && promo.IsActive && partySize >= promo.MinPartySize {
			discount = amount * int64(promo.DiscountPct) / 100
		}
	}
	amount -= discount

	advance := amount * 30 / 100
	return &PriceQuote{
		AmountCents:   amount,
		DiscountCents: discount,
		AdvanceCents:  advance,
		BalanceCents:  amount - advance,
	}, nil
}

// ValidatePromoCode re-checks a code against a party size and date.
func (p *StandardPricer) ValidatePromoCode(ctx context.Context, code string, partySize int, date time.Time) error {
	promo, err := p.Prices.GetPromoCode(ctx, code)
	if err != nil {
		return apperrors.NewExternalFailure("pricing", err)
	}
	if promo == nil || !promo.IsActive {
		return apperrors.NewNotFound("promo code", code)
	}
	if partySize < promo.MinPartySize {
		return apperrors.NewConflict("promo %s requires a party of at least %d", code, promo.MinPartySize)
	}
	if date.Before(promo.ValidFrom) || date.After(promo.ValidUntil) {
		return apperrors.NewConflict("promo %s is not valid on %s", code, date.Format("2006-01-02"))
	}
	return nil
}

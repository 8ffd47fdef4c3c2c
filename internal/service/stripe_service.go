package service

import (
	"context"
	"fmt"
	"os"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/refund"
)

type StripeService struct{}

func NewStripeService() *StripeService {
	return &StripeService{}
}

// RefundBySession refunds against the payment intent behind a completed
// checkout session. A zero amount refunds the full charge.
func (s *StripeService) RefundBySession(ctx context.Context, sessionID string, amountCents int64) error {
	getParams := &stripe.CheckoutSessionParams{}
	getParams.Context = ctx
	sess, err := session.Get(sessionID, getParams)
	if err != nil {
		return err
	}
	if sess.PaymentIntent == nil || sess.PaymentIntent.ID == "" {
		return fmt.Errorf("no payment intent found for session %s", sessionID)
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(sess.PaymentIntent.ID),
	}
	if amountCents > 0 {
		params.Amount = stripe.Int64(amountCents)
	}
	params.Context = ctx
	_, err = refund.New(params)
	return err
}

// CreateCheckoutSession opens a one-off card payment for the amount due on
// a modification. Returns the hosted checkout URL and the session ID.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, amountCents int64, currency, description, customerEmail string) (string, string, error) {
	successURL := os.Getenv("STRIPE_SUCCESS_URL")
	if successURL == "" {
		successURL = "http://localhost:3000/reservations/modify/confirmation/?session_id={CHECKOUT_SESSION_ID}"
	}
	cancelURL := os.Getenv("STRIPE_CANCEL_URL")
	if cancelURL == "" {
		cancelURL = "http://localhost:3000/reservations/modify/failed/?session_id={CHECKOUT_SESSION_ID}"
	}

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(description),
					},
					UnitAmount: stripe.Int64(amountCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Mode:          stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:    stripe.String(successURL),
		CancelURL:     stripe.String(cancelURL),
		CustomerEmail: stripe.String(customerEmail),
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return "", "", err
	}
	return sess.URL, sess.ID, nil
}

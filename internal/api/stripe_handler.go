package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"prenotazioni/internal/service"
)

type StripeWebhookHandler struct {
	StripeSecret  string
	modifications *service.ModificationService
}

func NewStripeWebhookHandler(stripeSecret string, modifications *service.ModificationService) *StripeWebhookHandler {
	return &StripeWebhookHandler{
		StripeSecret:  stripeSecret,
		modifications: modifications,
	}
}

func (h *StripeWebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	const maxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("Error reading body: %v", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sigHeader, h.StripeSecret)
	if err != nil {
		log.Printf("Webhook signature verification failed: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			log.Printf("Error parsing checkout.session: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if sess.ID == "" {
			log.Printf("No session ID in checkout.session.completed")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := h.modifications.ResumeAfterPayment(r.Context(), sess.ID); err != nil {
			log.Printf("Error resuming modification for session %s: %v", sess.ID, err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

	case "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			log.Printf("Error parsing checkout.session: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := h.modifications.PaymentFailed(r.Context(), sess.ID, "checkout session expired"); err != nil {
			log.Printf("Error failing modification for session %s: %v", sess.ID, err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

	case "checkout.session.async_payment_failed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			log.Printf("Error parsing checkout.session: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := h.modifications.PaymentFailed(r.Context(), sess.ID, "payment failed"); err != nil {
			log.Printf("Error failing modification for session %s: %v", sess.ID, err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

	default:
		log.Printf("Unhandled stripe event type: %s", event.Type)
	}

	w.WriteHeader(http.StatusOK)
}

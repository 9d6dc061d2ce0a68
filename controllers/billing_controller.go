package controller

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"gorm.io/gorm"

	"github.com/place-to-stand/place-to-stand-portal-sub005/config"
	"github.com/place-to-stand/place-to-stand-portal-sub005/models"
	"github.com/place-to-stand/place-to-stand-portal-sub005/utils"
)

func InitStripe() {
	stripe.Key = config.AppConfig.StripeSecretKey
}

// HandleStripeWebhook verifies and processes Stripe events. Every verified
// delivery is recorded first; a replayed event id is acknowledged without
// being processed twice.
func HandleStripeWebhook(c *fiber.Ctx) error {
	event, err := webhook.ConstructEventWithTolerance(
		c.Body(),
		c.Get("Stripe-Signature"),
		config.AppConfig.StripeWebhookSecret,
		5*time.Minute,
	)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid webhook payload",
		})
	}

	record := models.BillingEvent{
		StripeEventID: event.ID,
		Type:          string(event.Type),
		Payload:       string(event.Data.Raw),
	}
	if err := config.DB.Create(&record).Error; err != nil {
		// Unique index on the event id: a second delivery of the same event
		// lands here and is acknowledged as already handled.
		var existing models.BillingEvent
		if lookupErr := config.DB.Where("stripe_event_id = ?", event.ID).First(&existing).Error; lookupErr == nil {
			return c.SendStatus(fiber.StatusOK)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record event",
		})
	}

	switch event.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Error parsing payment intent",
			})
		}
		if err := markInvoicePaid(&pi); err != nil {
			utils.LogEvent("billing_event_failed", map[string]interface{}{
				"event_id": event.ID,
				"error":    err.Error(),
			})
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to process payment",
			})
		}

	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Error parsing payment intent",
			})
		}
		logrus.WithField("payment_intent", pi.ID).Warn("Payment failed")

	default:
		// Unhandled event types are acknowledged so Stripe stops retrying.
	}

	now := time.Now()
	if err := config.DB.Model(&record).Update("processed_at", &now).Error; err != nil {
		logrus.WithError(err).Warn("Failed to stamp billing event as processed")
	}
	return c.SendStatus(fiber.StatusOK)
}

func markInvoicePaid(pi *stripe.PaymentIntent) error {
	var invoice models.Invoice
	err := config.DB.Where("stripe_payment_intent_id = ?", pi.ID).First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Payment for something we did not invoice; nothing to reconcile.
		return nil
	}
	if err != nil {
		return err
	}

	now := time.Now()
	return config.DB.Model(&invoice).Updates(map[string]interface{}{
		"status":  "paid",
		"paid_at": &now,
	}).Error
}

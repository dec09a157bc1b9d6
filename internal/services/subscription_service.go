package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
	"github.com/tbourn/go-loyalty-backend/internal/notify"
	"github.com/tbourn/go-loyalty-backend/internal/phone"
	"github.com/tbourn/go-loyalty-backend/internal/repo"
)

// SubscriptionService feeds provider delivery outcomes back into customer
// records.
type SubscriptionService struct {
	DB *gorm.DB
}

// StateForOutcome maps a delivery outcome to the subscription state it
// implies. ok is false when the outcome says nothing about the subscription.
func StateForOutcome(out notify.Outcome) (domain.SubscriptionState, bool) {
	switch out {
	case notify.Unsubscribed:
		return domain.SubscriptionUnsubscribed, true
	case notify.InvalidNumber:
		return domain.SubscriptionInvalid, true
	}
	return "", false
}

// ApplyOutcome records what a delivery taught us about the recipient.
func (s *SubscriptionService) ApplyOutcome(ctx context.Context, businessID, canonicalPhone string, out notify.Outcome) error {
	state, ok := StateForOutcome(out)
	if !ok {
		return nil
	}
	err := repo.SetSubscriptionState(ctx, s.DB, businessID, canonicalPhone, state)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrCustomerNotFound
	}
	if err == nil {
		log.Info().
			Str("business_id", businessID).
			Str("phone", phone.Mask(canonicalPhone)).
			Str("state", string(state)).
			Msg("subscription state updated from delivery outcome")
	}
	return err
}

// Hook adapts ApplyOutcome to a notify.OutcomeHook.
func (s *SubscriptionService) Hook() notify.OutcomeHook {
	return func(ctx context.Context, in notify.Intent, out notify.Outcome) {
		if err := s.ApplyOutcome(ctx, in.BusinessID, in.Phone, out); err != nil {
			log.Error().Err(err).Str("customer_id", in.CustomerID).Msg("apply delivery outcome")
		}
	}
}

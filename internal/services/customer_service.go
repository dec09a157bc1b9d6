// Package services – CustomerService
//
// CustomerService answers read-side questions about engagement records: a
// customer's standing at a business and the win-back candidate list. It
// depends on a small repository contract so it can be exercised without a
// database.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
	"github.com/tbourn/go-loyalty-backend/internal/phone"
	"github.com/tbourn/go-loyalty-backend/internal/utils"
)

// CustomerRepo defines the repository contract required by CustomerService.
type CustomerRepo interface {
	// GetBusinessBySlug resolves the business a kiosk is bound to.
	GetBusinessBySlug(ctx context.Context, db *gorm.DB, slug string) (*domain.Business, error)

	// GetCustomerByPhone fetches the record for (businessID, phone).
	GetCustomerByPhone(ctx context.Context, db *gorm.DB, businessID, phone string) (*domain.Customer, error)

	// ActiveTemplateFor returns the winning active template of a business.
	ActiveTemplateFor(ctx context.Context, db *gorm.DB, businessID string) (*domain.RewardTemplate, error)

	// ListCustomerRewards returns a customer's rewards, newest first.
	ListCustomerRewards(ctx context.Context, db *gorm.DB, customerID string) ([]domain.RewardInstance, error)

	// CountWinbackCandidates counts reachable customers idle since cutoff.
	CountWinbackCandidates(ctx context.Context, db *gorm.DB, businessID string, cutoff time.Time) (int64, error)

	// ListWinbackCandidates returns one page of those customers.
	ListWinbackCandidates(ctx context.Context, db *gorm.DB, businessID string, cutoff time.Time, offset, limit int) ([]domain.Customer, error)
}

// CustomerStanding is a customer's progress toward the next reward.
type CustomerStanding struct {
	Customer            domain.Customer         `json:"customer"`
	Threshold           int                     `json:"threshold"`
	CheckinsUntilReward int                     `json:"checkins_until_reward"`
	Rewards             []domain.RewardInstance `json:"rewards"`
}

// CustomerService provides read operations over engagement records.
type CustomerService struct {
	DB    *gorm.DB
	Repo  CustomerRepo
	Phone phone.Normalizer

	// DefaultThreshold is the configured fallback reward threshold.
	DefaultThreshold int
	// WinbackDays is the idle period used when the caller passes none.
	WinbackDays int

	Now func() time.Time
}

// NewCustomerService constructs a CustomerService with default settings.
func NewCustomerService(db *gorm.DB, r CustomerRepo, n phone.Normalizer) *CustomerService {
	return &CustomerService{DB: db, Repo: r, Phone: n, DefaultThreshold: 10, WinbackDays: 30}
}

func (s *CustomerService) business(ctx context.Context, slug string) (*domain.Business, error) {
	b, err := s.Repo.GetBusinessBySlug(ctx, s.DB, strings.TrimSpace(slug))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBusinessNotFound
	}
	return b, err
}

// Standing returns the record, reward history and progress of one customer.
func (s *CustomerService) Standing(ctx context.Context, slug, rawPhone string) (*CustomerStanding, error) {
	ph, err := s.Phone.Normalize(rawPhone)
	if err != nil {
		return nil, ErrInvalidPhone
	}
	b, err := s.business(ctx, slug)
	if err != nil {
		return nil, err
	}
	c, err := s.Repo.GetCustomerByPhone(ctx, s.DB, b.ID, ph)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, err
	}

	tpl, err := s.Repo.ActiveTemplateFor(ctx, s.DB, b.ID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	threshold := resolveThreshold(b, tpl, s.DefaultThreshold)

	rewards, err := s.Repo.ListCustomerRewards(ctx, s.DB, c.ID)
	if err != nil {
		return nil, err
	}
	return &CustomerStanding{
		Customer:            *c,
		Threshold:           threshold,
		CheckinsUntilReward: untilReward(c.CheckinCount, threshold),
		Rewards:             rewards,
	}, nil
}

// WinbackPage lists marketable customers whose last visit is older than
// idleDays, oldest first. It applies defaults for invalid paging and returns
// the total count.
func (s *CustomerService) WinbackPage(ctx context.Context, slug string, idleDays, page, pageSize int) ([]domain.Customer, int64, error) {
	page, pageSize = utils.NormalizePage(page, pageSize, 20, 100)
	if idleDays <= 0 {
		idleDays = s.WinbackDays
	}
	b, err := s.business(ctx, slug)
	if err != nil {
		return nil, 0, err
	}
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	cutoff := now.AddDate(0, 0, -idleDays)

	total, err := s.Repo.CountWinbackCandidates(ctx, s.DB, b.ID, cutoff)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Customer{}, 0, nil
	}
	items, err := s.Repo.ListWinbackCandidates(ctx, s.DB, b.ID, cutoff, utils.Offset(page, pageSize), pageSize)
	return items, total, err
}

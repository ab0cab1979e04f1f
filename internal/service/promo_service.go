package service

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/digkill/TGVideoBot/internal/models"
)

var (
	ErrPromoBadCode   = errors.New("promo code must be 3-64 letters, digits, dashes or underscores")
	ErrPromoBadAmount = errors.New("promo token amount must be positive")
	ErrPromoBadUses   = errors.New("promo max uses must be positive")
	ErrPromoExists    = errors.New("promo code already exists")
)

var promoCodePattern = regexp.MustCompile(`^[A-Z0-9_-]{3,64}$`)

// PromoStore is the slice of the promo repository the service needs.
type PromoStore interface {
	GetByCode(ctx context.Context, code string) (*models.PromoCode, error)
	List(ctx context.Context) ([]models.PromoCode, error)
	Create(ctx context.Context, promo *models.PromoCode) (*models.PromoCode, error)
	Delete(ctx context.Context, id int64) error
}

// PromoService manages promo code issuance for admins. Redemption lives in
// the ledger.
type PromoService struct {
	promos     PromoStore
	defaultTTL time.Duration
	logger     *slog.Logger
}

func NewPromoService(promos PromoStore, defaultTTL time.Duration, logger *slog.Logger) *PromoService {
	return &PromoService{promos: promos, defaultTTL: defaultTTL, logger: logger}
}

// Create issues a new code. A zero ttl falls back to the configured default;
// a negative ttl makes the code non-expiring.
func (s *PromoService) Create(ctx context.Context, code string, tokens decimal.Decimal, maxUses int, ttl time.Duration, createdBy int64) (*models.PromoCode, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !promoCodePattern.MatchString(code) {
		return nil, ErrPromoBadCode
	}
	if !tokens.IsPositive() {
		return nil, ErrPromoBadAmount
	}
	if maxUses <= 0 {
		return nil, ErrPromoBadUses
	}

	existing, err := s.promos.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrPromoExists
	}

	promo := &models.PromoCode{
		Code:      code,
		Tokens:    tokens,
		MaxUses:   maxUses,
		CreatedBy: createdBy,
	}
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl > 0 {
		expires := time.Now().Add(ttl)
		promo.ExpiresAt = &expires
	}

	created, err := s.promos.Create(ctx, promo)
	if err != nil {
		return nil, err
	}
	s.logger.Info("promo created",
		slog.String("code", created.Code),
		slog.String("tokens", created.Tokens.String()),
		slog.Int("max_uses", created.MaxUses),
		slog.Int64("created_by", createdBy))
	return created, nil
}

func (s *PromoService) List(ctx context.Context) ([]models.PromoCode, error) {
	return s.promos.List(ctx)
}

func (s *PromoService) Delete(ctx context.Context, id int64) error {
	return s.promos.Delete(ctx, id)
}

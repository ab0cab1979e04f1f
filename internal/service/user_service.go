package service

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/digkill/TGVideoBot/internal/models"
)

// UserStore is the slice of the user repository the user service needs.
type UserStore interface {
	Ensure(ctx context.Context, tgUserID int64, username string, freeTokens decimal.Decimal) (*models.User, bool, error)
	FindByTgID(ctx context.Context, tgUserID int64) (*models.User, error)
	FindByID(ctx context.Context, id int64) (*models.User, error)
	SetBanned(ctx context.Context, userID int64, banned bool) error
	ListTgUserIDs(ctx context.Context) ([]int64, error)
	List(ctx context.Context) ([]models.User, error)
}

// UserService handles registration and account management.
type UserService struct {
	users      UserStore
	freeTokens decimal.Decimal
	logger     *slog.Logger
}

func NewUserService(users UserStore, freeTokens decimal.Decimal, logger *slog.Logger) *UserService {
	return &UserService{users: users, freeTokens: freeTokens, logger: logger}
}

// Register returns the account for the Telegram user, creating it with the
// signup grant on first contact.
func (s *UserService) Register(ctx context.Context, tgUserID int64, username string) (*models.User, error) {
	user, created, err := s.users.Ensure(ctx, tgUserID, username, s.freeTokens)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("new user registered",
			slog.Int64("tg_user_id", tgUserID),
			slog.String("username", username),
			slog.String("free_tokens", s.freeTokens.String()))
	}
	return user, nil
}

func (s *UserService) ByTgID(ctx context.Context, tgUserID int64) (*models.User, error) {
	return s.users.FindByTgID(ctx, tgUserID)
}

func (s *UserService) ByID(ctx context.Context, id int64) (*models.User, error) {
	return s.users.FindByID(ctx, id)
}

func (s *UserService) SetBanned(ctx context.Context, userID int64, banned bool) error {
	if err := s.users.SetBanned(ctx, userID, banned); err != nil {
		return err
	}
	s.logger.Info("user ban updated",
		slog.Int64("user_id", userID),
		slog.Bool("banned", banned))
	return nil
}

// BroadcastTargets lists the Telegram ids of every non-banned user.
func (s *UserService) BroadcastTargets(ctx context.Context) ([]int64, error) {
	return s.users.ListTgUserIDs(ctx)
}

func (s *UserService) List(ctx context.Context) ([]models.User, error) {
	return s.users.List(ctx)
}

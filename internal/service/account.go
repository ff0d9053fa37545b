package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/repository"
)

type RegistrationLog interface {
	LogRegistration(accountID int64, name, username string)
}

type AccountService struct {
	store repository.AccountStore
	log   RegistrationLog
}

func NewAccountService(store repository.AccountStore, log RegistrationLog) *AccountService {
	return &AccountService{store: store, log: log}
}

// FindOrCreate returns the account for the profile, creating it on first
// contact.
func (s *AccountService) FindOrCreate(ctx context.Context, profile domain.AccountProfile, isAdmin bool) (*domain.Account, bool, error) {
	if isAdmin && len(profile.Roles) == 0 {
		profile.Roles = []domain.Role{domain.RoleAdmin}
	}
	account, created, err := s.store.EnsureAccount(ctx, profile)
	if err != nil {
		return nil, false, fmt.Errorf("ensure account: %w", err)
	}
	if created {
		slog.Info("account registered", "account_id", account.ID, "username", account.Username)
		if s.log != nil {
			s.log.LogRegistration(account.ID, account.FirstName, account.Username)
		}
	}
	return account, created, nil
}

func (s *AccountService) Get(ctx context.Context, id int64) (*domain.Account, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

func (s *AccountService) Ban(ctx context.Context, id int64, reason string) error {
	if err := s.store.SetAccountBan(ctx, id, true, reason); err != nil {
		return fmt.Errorf("ban account: %w", err)
	}
	return nil
}

func (s *AccountService) Unban(ctx context.Context, id int64) error {
	if err := s.store.SetAccountBan(ctx, id, false, ""); err != nil {
		return fmt.Errorf("unban account: %w", err)
	}
	return nil
}

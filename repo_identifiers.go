package accounts

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Identifiers links users to subjects at external identity providers.
type Identifiers interface {
	FindUserIDTx(ctx context.Context, tx bun.IDB, provider, identifier string) (uuid.UUID, error)
	UpsertTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, provider, identifier string) error
}

type identifiers struct{}

func NewIdentifiersRepository() Identifiers {
	return &identifiers{}
}

func (s *identifiers) FindUserIDTx(ctx context.Context, tx bun.IDB, provider, identifier string) (uuid.UUID, error) {
	provider = strings.TrimSpace(provider)
	identifier = strings.TrimSpace(identifier)
	if provider == "" || identifier == "" {
		return uuid.Nil, ErrUserNotFound
	}

	var model UserIdentifier
	err := tx.NewSelect().
		Model(&model).
		Where("provider = ? AND identifier = ?", provider, identifier).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return uuid.Nil, notFoundAs(err, ErrUserNotFound)
	}

	return model.UserID, nil
}

func (s *identifiers) UpsertTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, provider, identifier string) error {
	provider = strings.TrimSpace(provider)
	identifier = strings.TrimSpace(identifier)
	if provider == "" || identifier == "" {
		return goerrors.New("provider and identifier are required", goerrors.CategoryBadInput)
	}

	model := &UserIdentifier{
		ID:         uuid.New(),
		UserID:     userID,
		Provider:   provider,
		Identifier: identifier,
		CreatedAt:  time.Now(),
	}

	_, err := tx.NewInsert().
		Model(model).
		On("CONFLICT (provider, identifier) DO UPDATE").
		Set("user_id = EXCLUDED.user_id").
		Exec(ctx)
	return err
}

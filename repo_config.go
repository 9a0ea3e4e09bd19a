package accounts

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ConfigEntries is the persistent source behind the configuration gate.
type ConfigEntries interface {
	ConfigSource
	SetValue(ctx context.Context, key, value string) error
}

type configEntries struct {
	repository.Repository[*ConfigurationEntry]
	db *bun.DB
}

func NewConfigEntriesRepository(db *bun.DB) ConfigEntries {
	repo := repository.NewRepository[*ConfigurationEntry](db, repository.ModelHandlers[*ConfigurationEntry]{
		NewRecord: func() *ConfigurationEntry { return &ConfigurationEntry{} },
		GetID: func(record *ConfigurationEntry) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *ConfigurationEntry, id uuid.UUID) {
			record.ID = id
		},
		GetIdentifier: func() string {
			return "key"
		},
	})
	return &configEntries{Repository: repo, db: db}
}

func (c *configEntries) Lookup(ctx context.Context, key string) (string, bool, error) {
	rec, err := c.Repository.GetByIdentifier(ctx, strings.ToLower(strings.TrimSpace(key)))
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return rec.Value, true, nil
}

func (c *configEntries) SetValue(ctx context.Context, key, value string) error {
	rec := &ConfigurationEntry{
		ID:        uuid.New(),
		Key:       strings.ToLower(strings.TrimSpace(key)),
		Value:     value,
		UpdatedAt: time.Now(),
	}
	_, err := c.db.NewInsert().
		Model(rec).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

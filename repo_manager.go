package accounts

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	DB() bun.IDB
	Users() Users
	Profiles() Profiles
	Institutions() repository.Repository[*Institution]
	Invitations() Invitations
	Assignments() Assignments
	RefreshTokens() RefreshTokens
	EmailVerifications() EmailVerifications
	Identifiers() Identifiers
	ConfigEntries() ConfigEntries
	OrphanedSubjects() OrphanedSubjects
}

type mngr struct {
	db            *bun.DB
	users         Users
	profiles      Profiles
	institutions  repository.Repository[*Institution]
	invitations   Invitations
	assignments   Assignments
	refreshTokens RefreshTokens
	verifications EmailVerifications
	identifiers   Identifiers
	configEntries ConfigEntries
	orphans       OrphanedSubjects
}

func NewRepositoryManager(db *bun.DB) RepositoryManager {
	return &mngr{
		db:            db,
		users:         NewUsersRepository(db),
		profiles:      NewProfilesRepository(),
		institutions:  NewInstitutionsRepository(db),
		invitations:   NewInvitationsRepository(),
		assignments:   NewAssignmentsRepository(),
		refreshTokens: NewRefreshTokensRepository(),
		verifications: NewEmailVerificationsRepository(),
		identifiers:   NewIdentifiersRepository(),
		configEntries: NewConfigEntriesRepository(db),
		orphans:       NewOrphanedSubjectsRepository(),
	}
}

func (m mngr) Validate() error {
	if m.db == nil {
		return errors.New("repository manager requires a database")
	}

	if m.users == nil {
		return errors.New("repository users should be initialized")
	}

	if m.institutions == nil {
		return errors.New("repository institutions should be initialized")
	}

	if m.configEntries == nil {
		return errors.New("repository configEntries should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) DB() bun.IDB {
	return m.db
}

func (m mngr) Users() Users {
	return m.users
}

func (m mngr) Profiles() Profiles {
	return m.profiles
}

func (m mngr) Institutions() repository.Repository[*Institution] {
	return m.institutions
}

func (m mngr) Invitations() Invitations {
	return m.invitations
}

func (m mngr) Assignments() Assignments {
	return m.assignments
}

func (m mngr) RefreshTokens() RefreshTokens {
	return m.refreshTokens
}

func (m mngr) EmailVerifications() EmailVerifications {
	return m.verifications
}

func (m mngr) Identifiers() Identifiers {
	return m.identifiers
}

func (m mngr) ConfigEntries() ConfigEntries {
	return m.configEntries
}

func (m mngr) OrphanedSubjects() OrphanedSubjects {
	return m.orphans
}

// IsUniqueViolation reports whether err is a duplicate key failure raised by
// the driver behind db.
func IsUniqueViolation(db bun.IDB, err error) bool {
	if err == nil {
		return false
	}
	return repository.IsDuplicatedKey(repository.MapDatabaseError(err, driverName(db)))
}

func driverName(db bun.IDB) string {
	if db != nil && db.Dialect().Name() == dialect.PG {
		return "postgres"
	}
	return "sqlite"
}

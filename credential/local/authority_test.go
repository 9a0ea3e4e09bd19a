package local

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"

	accounts "github.com/goliatone/go-accounts"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"golang.org/x/crypto/bcrypt"
)

func setupAuthority(t *testing.T) (*Authority, *bun.DB) {
	t.Helper()
	accounts.PasswordHashCost = bcrypt.MinCost

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	sqldb, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, accounts.CreateSchema(context.Background(), db, Models()...))
	return NewAuthority(db), db
}

func TestAuthority_CreateAndAuthenticate(t *testing.T) {
	authority, _ := setupAuthority(t)
	ctx := context.Background()

	id, err := authority.CreateSubject(ctx, accounts.SubjectRequest{
		Email:    "Jane@Example.com",
		Password: "Sup3r$ecret",
	})
	require.NoError(t, err)

	expected, err := SubjectID("jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, expected, id)
	assert.True(t, strings.HasPrefix(id, "local|"))

	subject, err := authority.Authenticate(ctx, "jane@example.com", "Sup3r$ecret")
	require.NoError(t, err)
	assert.Equal(t, id, subject.ID)
	assert.False(t, subject.EmailVerified)

	_, err = authority.Authenticate(ctx, "jane@example.com", "wrong")
	assert.ErrorIs(t, err, accounts.ErrInvalidCredentials)
}

func TestAuthority_DuplicateEmail(t *testing.T) {
	authority, _ := setupAuthority(t)
	ctx := context.Background()

	_, err := authority.CreateSubject(ctx, accounts.SubjectRequest{Email: "dup@example.com", Password: "Passw0rd!"})
	require.NoError(t, err)

	_, err = authority.CreateSubject(ctx, accounts.SubjectRequest{Email: "DUP@example.com", Password: "Passw0rd!"})
	require.Error(t, err)
	assert.Equal(t, accounts.TextCodeUserExists, accounts.TextCode(err))
}

func TestAuthority_ConcurrentCreateHasOneWinner(t *testing.T) {
	authority, _ := setupAuthority(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := authority.CreateSubject(ctx, accounts.SubjectRequest{Email: "race@example.com", Password: "Passw0rd!"})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
}

func TestAuthority_TemporaryPassword(t *testing.T) {
	authority, _ := setupAuthority(t)
	ctx := context.Background()

	id, temp, err := authority.CreateSubjectWithTemporaryPassword(ctx, accounts.SubjectRequest{Email: "t@example.com"})
	require.NoError(t, err)
	assert.Len(t, temp, 16)

	subject, err := authority.Authenticate(ctx, "t@example.com", temp)
	require.NoError(t, err)
	assert.Equal(t, id, subject.ID)
}

func TestAuthority_RolesAndDelete(t *testing.T) {
	authority, _ := setupAuthority(t)
	ctx := context.Background()

	id, err := authority.CreateSubject(ctx, accounts.SubjectRequest{Email: "r@example.com", Password: "Passw0rd!"})
	require.NoError(t, err)

	require.NoError(t, authority.AssignRole(ctx, id, accounts.RoleStudent))
	require.NoError(t, authority.AssignRole(ctx, id, accounts.RoleStudent))

	roles, err := authority.Roles(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []accounts.Role{accounts.RoleStudent}, roles)

	require.NoError(t, authority.DeleteSubject(ctx, id))

	_, err = authority.Find(ctx, id)
	assert.ErrorIs(t, err, accounts.ErrSubjectNotFound)

	err = authority.DeleteSubject(ctx, id)
	assert.ErrorIs(t, err, accounts.ErrSubjectNotFound)

	err = authority.AssignRole(ctx, id, accounts.RoleTeacher)
	assert.ErrorIs(t, err, accounts.ErrSubjectNotFound)
}

func TestAuthority_BlockAndVerify(t *testing.T) {
	authority, _ := setupAuthority(t)
	ctx := context.Background()

	id, err := authority.CreateSubject(ctx, accounts.SubjectRequest{Email: "b@example.com", Password: "Passw0rd!"})
	require.NoError(t, err)

	require.NoError(t, authority.MarkEmailVerified(ctx, id))
	require.NoError(t, authority.DeactivateSubject(ctx, id))

	subject, err := authority.Find(ctx, id)
	require.NoError(t, err)
	assert.True(t, subject.EmailVerified)
	assert.True(t, subject.Blocked)

	_, err = authority.Authenticate(ctx, "b@example.com", "Passw0rd!")
	assert.ErrorIs(t, err, accounts.ErrUserInactive)

	require.NoError(t, authority.ActivateSubject(ctx, id))
	_, err = authority.Authenticate(ctx, "b@example.com", "Passw0rd!")
	assert.NoError(t, err)

	assert.ErrorIs(t, authority.ActivateSubject(ctx, "local|missing"), accounts.ErrSubjectNotFound)
}

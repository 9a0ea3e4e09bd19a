package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmEmailHandler_Execute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handler := NewConfirmEmailHandler(f.repo, f.authority, f.notifier, quietLogger{})

	res, err := f.provisioner.RegisterTeacher(ctx, RegisterMessage{
		Email: "teacher@example.com", Password: "Passw0rd!", FirstName: "T", LastName: "T",
	})
	require.NoError(t, err)

	t.Run("wrong user", func(t *testing.T) {
		err := handler.Execute(ctx, ConfirmEmailMessage{UserID: uuid.New(), Token: res.VerificationToken})
		assert.ErrorIs(t, err, ErrVerificationInvalid)
	})

	t.Run("unknown token", func(t *testing.T) {
		err := handler.Execute(ctx, ConfirmEmailMessage{UserID: res.UserID, Token: "nope"})
		assert.ErrorIs(t, err, ErrVerificationInvalid)
	})

	require.NoError(t, handler.Execute(ctx, ConfirmEmailMessage{UserID: res.UserID, Token: res.VerificationToken}))

	user, err := f.repo.Users().FindByIDTx(ctx, f.db, res.UserID)
	require.NoError(t, err)
	assert.True(t, user.EmailConfirmed)

	subject, _ := f.authority.subject(user.SubjectID)
	assert.True(t, subject.verified)

	events := f.notifier.ofType(EventUserEmailConfirmed)
	require.Len(t, events, 1)
	assert.Equal(t, RoleTeacher, events[0].(UserEmailConfirmedEvent).Role)

	t.Run("token is single use", func(t *testing.T) {
		err := handler.Execute(ctx, ConfirmEmailMessage{UserID: res.UserID, Token: res.VerificationToken})
		assert.ErrorIs(t, err, ErrVerificationInvalid)
	})
}

func TestConfirmEmailHandler_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handler := NewConfirmEmailHandler(f.repo, f.authority, f.notifier, quietLogger{})
	handler.now = func() time.Time { return time.Now().Add(EmailVerificationTTL + time.Hour) }

	res, err := f.provisioner.RegisterStudent(ctx, RegisterMessage{
		Email: "s@example.com", Password: "Passw0rd!", FirstName: "S", LastName: "S",
	})
	require.NoError(t, err)

	err = handler.Execute(ctx, ConfirmEmailMessage{UserID: res.UserID, Token: res.VerificationToken})
	assert.ErrorIs(t, err, ErrVerificationExpired)
}

func TestConfirmEmailHandler_AuthorityFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handler := NewConfirmEmailHandler(f.repo, f.authority, f.notifier, quietLogger{})

	res, err := f.provisioner.RegisterStudent(ctx, RegisterMessage{
		Email: "s@example.com", Password: "Passw0rd!", FirstName: "S", LastName: "S",
	})
	require.NoError(t, err)

	f.authority.verifyErr = errBoom
	require.Error(t, handler.Execute(ctx, ConfirmEmailMessage{UserID: res.UserID, Token: res.VerificationToken}))

	// the token survives so the user can retry
	f.authority.verifyErr = nil
	assert.NoError(t, handler.Execute(ctx, ConfirmEmailMessage{UserID: res.UserID, Token: res.VerificationToken}))
}

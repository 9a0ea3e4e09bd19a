package accounts

import (
	"context"
	"errors"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisioner_RegisterStudent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.provisioner.RegisterStudent(ctx, RegisterMessage{
		Email:     "  Jane.Doe@Example.com ",
		Password:  "Passw0rd!",
		FirstName: "Jane",
		LastName:  "Doe",
		Phone:     "(650) 253-0000",
	})
	require.NoError(t, err)
	require.NotNil(t, res.User)

	assert.Equal(t, "jane.doe@example.com", res.User.Email)
	assert.Equal(t, "+16502530000", res.User.Phone)
	assert.False(t, res.User.EmailConfirmed)
	assert.True(t, res.User.IsActive)
	assert.NotEmpty(t, res.VerificationToken)

	subject, ok := f.authority.subject(res.User.SubjectID)
	require.True(t, ok)
	assert.Equal(t, []Role{RoleStudent}, subject.roles)

	stored, err := f.repo.Users().FindByIDTx(ctx, f.db, res.UserID)
	require.NoError(t, err)
	assert.Equal(t, []Role{RoleStudent}, stored.Roles)
	assert.NoError(t, ComparePasswordAndHash("Passw0rd!", stored.PasswordHash))

	f.studentProfile(stored)

	events := f.notifier.ofType(EventUserRegistered)
	require.Len(t, events, 1)
	registered := events[0].(UserRegisteredEvent)
	assert.Equal(t, res.UserID, registered.UserID)
	assert.Equal(t, res.VerificationToken, registered.VerificationToken)
}

func TestProvisioner_RegistrationDisabled(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gate.Set(context.Background(), KeyAllowRegistration, `"FALSE"`))

	_, err := f.provisioner.RegisterTeacher(context.Background(), RegisterMessage{
		Email: "t@example.com", Password: "Passw0rd!", FirstName: "T", LastName: "T",
	})
	assert.ErrorIs(t, err, ErrRegistrationDisabled)
	assert.Zero(t, f.authority.count())
}

func TestProvisioner_RegistrationDisabledByDefault(t *testing.T) {
	f := newFixture(t)
	f.config = NewStaticConfigSource(nil)
	p := NewProvisioner(f.repo, f.authority, NewCachedGate(f.config), WithProvisionerLogger(quietLogger{}))

	_, err := p.RegisterParent(context.Background(), RegisterMessage{
		Email: "p@example.com", Password: "Passw0rd!", FirstName: "P", LastName: "P",
	})
	assert.ErrorIs(t, err, ErrRegistrationDisabled)
}

func TestProvisioner_RegisterInstitutionIgnoresRegistrationSwitch(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gate.Set(context.Background(), KeyAllowRegistration, "false"))

	owner, institutionID := f.createInstitution("owner@school.example", "North High")

	assert.ElementsMatch(t, []Role{RoleInstitutionOwner, RoleInstitutionAdmin}, owner.Roles)
	assert.NotEqual(t, uuid.Nil, institutionID)
	assert.Equal(t, 1, f.count((*Institution)(nil), ""))
}

func TestProvisioner_DuplicateEmail(t *testing.T) {
	f := newFixture(t)
	f.createUser(RoleTeacher, "dup@example.com", nil)

	_, err := f.provisioner.RegisterStudent(context.Background(), RegisterMessage{
		Email: "DUP@example.com", Password: "Passw0rd!", FirstName: "D", LastName: "D",
	})
	require.Error(t, err)
	assert.Equal(t, TextCodeUserExists, TextCode(err))
	assert.Equal(t, 1, f.authority.count())
}

func TestProvisioner_AuthorityReportsExisting(t *testing.T) {
	f := newFixture(t)
	f.authority.createErr = goerrors.New("user already exists", goerrors.CategoryConflict).WithTextCode(TextCodeUserDuplicate)

	_, err := f.provisioner.RegisterStudent(context.Background(), RegisterMessage{
		Email: "x@example.com", Password: "Passw0rd!", FirstName: "X", LastName: "X",
	})
	assert.ErrorIs(t, err, ErrUserExists)
	assert.Zero(t, f.count((*User)(nil), ""))
}

func TestProvisioner_CreateSubjectFailure(t *testing.T) {
	f := newFixture(t)
	f.authority.createErr = errBoom

	_, err := f.provisioner.RegisterStudent(context.Background(), RegisterMessage{
		Email: "x@example.com", Password: "Passw0rd!", FirstName: "X", LastName: "X",
	})
	require.Error(t, err)
	assert.Equal(t, TextCodeRegistrationFailed, TextCode(err))
	assert.Zero(t, f.authority.deleteCalls)
}

func TestProvisioner_CompensatesWhenLocalPersistFails(t *testing.T) {
	f := newFixture(t)

	// an owner without institution details fails inside the local transaction
	_, err := f.provisioner.Provision(context.Background(), ProvisionRequest{
		Shape:     ShapeAdmin,
		Role:      RoleInstitutionOwner,
		Email:     "owner@example.com",
		FirstName: "O",
		LastName:  "O",
	})
	require.Error(t, err)
	assert.Equal(t, TextCodeCreateUserFailed, TextCode(err))

	assert.Zero(t, f.authority.count(), "subject must be deleted")
	assert.Equal(t, 1, f.authority.deleteCalls)
	assert.Zero(t, f.count((*User)(nil), ""))
	assert.Zero(t, f.count((*UserRoleGrant)(nil), ""))
	assert.Zero(t, f.count((*OrphanedSubject)(nil), ""))
	assert.Empty(t, f.notifier.ofType(EventUserCreated))
}

func TestProvisioner_CompensatesWhenRoleAssignmentFails(t *testing.T) {
	f := newFixture(t)
	f.authority.assignErr = errBoom

	_, err := f.provisioner.RegisterStudent(context.Background(), RegisterMessage{
		Email: "s@example.com", Password: "Passw0rd!", FirstName: "S", LastName: "S",
	})
	require.Error(t, err)
	assert.Equal(t, TextCodeRegistrationFailed, TextCode(err))

	var richErr *goerrors.Error
	require.True(t, goerrors.As(err, &richErr))
	assert.Equal(t, true, richErr.Metadata["compensated"])

	assert.Zero(t, f.authority.count())
	assert.Zero(t, f.count((*User)(nil), ""))
	assert.Empty(t, f.notifier.ofType(EventUserRegistered))
}

func TestProvisioner_CompensationRetriesTransientDeleteFailures(t *testing.T) {
	f := newFixture(t)
	f.authority.assignErr = errBoom
	f.authority.deleteErr = func(attempt int) error {
		if attempt < 3 {
			return errBoom
		}
		return nil
	}

	_, err := f.provisioner.RegisterStudent(context.Background(), RegisterMessage{
		Email: "s@example.com", Password: "Passw0rd!", FirstName: "S", LastName: "S",
	})
	require.Error(t, err)
	assert.Equal(t, 3, f.authority.deleteCalls)
	assert.Zero(t, f.authority.count())
	assert.Zero(t, f.count((*OrphanedSubject)(nil), ""))
}

func TestProvisioner_RecordsOrphanWhenCompensationFails(t *testing.T) {
	f := newFixture(t)
	f.authority.assignErr = errBoom
	f.authority.deleteErr = func(int) error { return errBoom }

	_, err := f.provisioner.RegisterStudent(context.Background(), RegisterMessage{
		Email: "orphan@example.com", Password: "Passw0rd!", FirstName: "O", LastName: "O",
	})
	require.Error(t, err)

	var richErr *goerrors.Error
	require.True(t, goerrors.As(err, &richErr))
	assert.Equal(t, false, richErr.Metadata["compensated"])

	assert.Equal(t, 3, f.authority.deleteCalls)
	assert.Equal(t, 1, f.authority.count())

	orphans, err := f.repo.OrphanedSubjects().List(context.Background(), f.db, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "orphan@example.com", orphans[0].Email)
	assert.Contains(t, orphans[0].Reason, stepAssignRoles)

	// the authority recovers and the sweep clears the record
	f.authority.deleteErr = nil
	resolved, err := f.provisioner.RetryOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Zero(t, f.authority.count())
	assert.Zero(t, f.count((*OrphanedSubject)(nil), ""))
}

func TestProvisioner_RetryOrphansKeepsFailingRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.OrphanedSubjects().Record(ctx, f.db, "fake|404", "gone@example.com", "test", f.now))

	f.authority.deleteErr = func(int) error { return errBoom }
	resolved, err := f.provisioner.RetryOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, resolved)

	orphans, err := f.repo.OrphanedSubjects().List(ctx, f.db, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, 2, orphans[0].Attempts)

	// an already missing subject counts as deleted
	f.authority.deleteErr = nil
	resolved, err = f.provisioner.RetryOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
}

func TestProvisioner_CompensationSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.authority.assignErr = errBoom
	f.authority.onCreate = func(string) { cancel() }

	_, err := f.provisioner.RegisterStudent(ctx, RegisterMessage{
		Email: "c@example.com", Password: "Passw0rd!", FirstName: "C", LastName: "C",
	})
	require.Error(t, err)
	assert.Zero(t, f.authority.count())
}

func TestProvisioner_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.provisioner.RegisterStudent(ctx, RegisterMessage{
		Email: "c@example.com", Password: "Passw0rd!", FirstName: "C", LastName: "C",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, f.authority.count())
}

func TestProvisioner_PublishFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	p := NewProvisioner(f.repo, f.authority, f.gate,
		WithProvisionerLogger(quietLogger{}),
		WithProvisionerNotifier(panickingNotifier{}),
	)

	res, err := p.RegisterStudent(context.Background(), RegisterMessage{
		Email: "ok@example.com", Password: "Passw0rd!", FirstName: "O", LastName: "K",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, res.UserID)
}

func TestProvisioner_CreateUserPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sysadmin := f.createUser(RoleSystemAdmin, "root@example.com", nil)
	owner, institutionID := f.createInstitution("owner@school.example", "North High")
	student := f.createUser(RoleStudent, "student@example.com", nil)

	t.Run("institution admin creates a teacher in their institution", func(t *testing.T) {
		other := uuid.New()
		res, err := f.provisioner.CreateTeacher(ctx, actorOf(owner), CreateUserMessage{
			Email: "teacher@school.example", FirstName: "T", LastName: "T", InstitutionID: &other,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, res.TemporaryPassword)

		profile := f.teacherProfile(res.User)
		require.NotNil(t, profile.InstitutionID)
		assert.Equal(t, institutionID, *profile.InstitutionID)

		events := f.notifier.ofType(EventUserCreated)
		require.NotEmpty(t, events)
		created := events[len(events)-1].(UserCreatedEvent)
		assert.Equal(t, RoleTeacher, created.Role)
		assert.Equal(t, res.TemporaryPassword, created.TemporaryPassword)
	})

	t.Run("institution admin cannot create administrators", func(t *testing.T) {
		_, err := f.provisioner.CreateUser(ctx, actorOf(owner), CreateUserMessage{
			Email: "admin2@school.example", FirstName: "A", LastName: "A", Role: RoleSystemAdmin,
		})
		assert.ErrorIs(t, err, ErrCreateUserForbidden)
	})

	t.Run("students cannot create users", func(t *testing.T) {
		_, err := f.provisioner.CreateStudent(ctx, actorOf(student), CreateUserMessage{
			Email: "s2@example.com", FirstName: "S", LastName: "S",
		})
		assert.ErrorIs(t, err, ErrCreateUserForbidden)
	})

	t.Run("system admin needs an existing institution", func(t *testing.T) {
		missing := uuid.New()
		_, err := f.provisioner.CreateStudent(ctx, actorOf(sysadmin), CreateUserMessage{
			Email: "s3@example.com", FirstName: "S", LastName: "S", InstitutionID: &missing,
		})
		assert.ErrorIs(t, err, ErrInstitutionNotFound)
	})

	t.Run("system admin creates an institution admin", func(t *testing.T) {
		res, err := f.provisioner.CreateUser(ctx, actorOf(sysadmin), CreateUserMessage{
			Email: "admin@school.example", FirstName: "A", LastName: "A",
			Role: RoleInstitutionAdmin, InstitutionID: &institutionID,
		})
		require.NoError(t, err)
		admin, err := f.repo.Profiles().InstitutionAdminByUserTx(ctx, f.db, res.UserID)
		require.NoError(t, err)
		assert.Equal(t, institutionID, admin.InstitutionID)
		assert.False(t, admin.IsOwner)
	})

	t.Run("anonymous callers are rejected", func(t *testing.T) {
		_, err := f.provisioner.CreateStudent(ctx, Actor{}, CreateUserMessage{
			Email: "s4@example.com", FirstName: "S", LastName: "S",
		})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestProvisioner_NormalizesEmailBeforeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sysadmin := f.createUser(RoleSystemAdmin, "root@example.com", nil)

	res, err := f.provisioner.RegisterInstitution(ctx, RegisterInstitutionMessage{
		RegisterMessage: RegisterMessage{
			Email: " Owner@School.Example\t", Password: "Passw0rd!", FirstName: "O", LastName: "W",
		},
		InstitutionName: "South High",
		InstitutionType: "school",
	})
	require.NoError(t, err)
	assert.Equal(t, "owner@school.example", res.User.Email)

	created, err := f.provisioner.CreateStudent(ctx, actorOf(sysadmin), CreateUserMessage{
		Email: "  Kid@Example.com ", FirstName: "K", LastName: "D",
	})
	require.NoError(t, err)
	assert.Equal(t, "kid@example.com", created.User.Email)
}

func TestProvisioner_ValidationErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.provisioner.RegisterStudent(context.Background(), RegisterMessage{
		Email: "not-an-email", Password: "short", FirstName: "", LastName: "X",
	})
	require.Error(t, err)
	assert.Equal(t, TextCodeValidation, TextCode(err))
	assert.Equal(t, 400, HTTPStatus(err))
}

func TestProvisioner_OAuthShapeConfirmsEmail(t *testing.T) {
	f := newFixture(t)

	res, err := f.provisioner.Provision(context.Background(), ProvisionRequest{
		Shape:     ShapeOAuth,
		Role:      RoleStudent,
		Email:     "g@gmail.com",
		FirstName: "G",
		LastName:  "User",
		Picture:   "https://example.com/p.png",
		External:  &ExternalIdentity{Provider: "google", SubjectID: "g-123", Email: "g@gmail.com"},
	})
	require.NoError(t, err)

	assert.True(t, res.User.EmailConfirmed)
	assert.Empty(t, res.User.PasswordHash)
	assert.Empty(t, res.VerificationToken)

	subject, ok := f.authority.subject(res.User.SubjectID)
	require.True(t, ok)
	assert.True(t, subject.verified)

	linked, err := f.repo.Identifiers().FindUserIDTx(context.Background(), f.db, "google", "g-123")
	require.NoError(t, err)
	assert.Equal(t, res.UserID, linked)

	require.Len(t, f.notifier.ofType(EventUserEmailConfirmed), 1)
	assert.Empty(t, f.notifier.ofType(EventUserRegistered))
}

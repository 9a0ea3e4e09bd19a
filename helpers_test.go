package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"golang.org/x/crypto/bcrypt"
)

type quietLogger struct{}

func (quietLogger) Debug(string, ...any) {}
func (quietLogger) Info(string, ...any)  {}
func (quietLogger) Warn(string, ...any)  {}
func (quietLogger) Error(string, ...any) {}

func setupRepo(t *testing.T) (RepositoryManager, *bun.DB) {
	t.Helper()
	PasswordHashCost = bcrypt.MinCost

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	sqldb, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, CreateSchema(context.Background(), db))
	return NewRepositoryManager(db), db
}

type fakeSubject struct {
	email    string
	password string
	roles    []Role
	verified bool
	blocked  bool
}

// fakeAuthority is an in-memory credential authority with failure injection.
type fakeAuthority struct {
	mu       sync.Mutex
	seq      int
	subjects map[string]*fakeSubject

	createErr   error
	assignErr   error
	deleteErr   func(attempt int) error
	verifyErr   error
	onCreate    func(subjectID string)
	deleteCalls int
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{subjects: map[string]*fakeSubject{}}
}

func (f *fakeAuthority) CreateSubject(_ context.Context, req SubjectRequest) (string, error) {
	f.mu.Lock()
	if f.createErr != nil {
		f.mu.Unlock()
		return "", f.createErr
	}
	for _, s := range f.subjects {
		if s.email == NormalizeEmail(req.Email) {
			f.mu.Unlock()
			return "", ErrUserExists
		}
	}
	f.seq++
	id := fmt.Sprintf("fake|%d", f.seq)
	f.subjects[id] = &fakeSubject{
		email:    NormalizeEmail(req.Email),
		password: req.Password,
		verified: req.EmailVerified,
	}
	hook := f.onCreate
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return id, nil
}

func (f *fakeAuthority) CreateSubjectWithTemporaryPassword(ctx context.Context, req SubjectRequest) (string, string, error) {
	req.Password = "Temp0rary!Pass"
	id, err := f.CreateSubject(ctx, req)
	if err != nil {
		return "", "", err
	}
	return id, req.Password, nil
}

func (f *fakeAuthority) DeleteSubject(_ context.Context, subjectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteErr != nil {
		if err := f.deleteErr(f.deleteCalls); err != nil {
			return err
		}
	}
	if _, ok := f.subjects[subjectID]; !ok {
		return ErrSubjectNotFound
	}
	delete(f.subjects, subjectID)
	return nil
}

func (f *fakeAuthority) ActivateSubject(_ context.Context, subjectID string) error {
	return f.update(subjectID, func(s *fakeSubject) { s.blocked = false })
}

func (f *fakeAuthority) DeactivateSubject(_ context.Context, subjectID string) error {
	return f.update(subjectID, func(s *fakeSubject) { s.blocked = true })
}

func (f *fakeAuthority) MarkEmailVerified(_ context.Context, subjectID string) error {
	if f.verifyErr != nil {
		return f.verifyErr
	}
	return f.update(subjectID, func(s *fakeSubject) { s.verified = true })
}

func (f *fakeAuthority) AssignRole(_ context.Context, subjectID string, role Role) error {
	if f.assignErr != nil {
		return f.assignErr
	}
	return f.update(subjectID, func(s *fakeSubject) {
		if !HasAnyRole(s.roles, role) {
			s.roles = append(s.roles, role)
		}
	})
}

func (f *fakeAuthority) update(subjectID string, fn func(*fakeSubject)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subjects[subjectID]
	if !ok {
		return ErrSubjectNotFound
	}
	fn(s)
	return nil
}

func (f *fakeAuthority) subject(id string) (*fakeSubject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subjects[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

func (f *fakeAuthority) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subjects)
}

// recordingNotifier keeps published events in memory.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingNotifier) ofType(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.EventType() == kind {
			out = append(out, e)
		}
	}
	return out
}

type panickingNotifier struct{}

func (panickingNotifier) Publish(context.Context, Event) { panic("broker exploded") }

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

type fixture struct {
	t           *testing.T
	repo        RepositoryManager
	db          *bun.DB
	authority   *fakeAuthority
	config      *StaticConfigSource
	gate        *CachedGate
	notifier    *recordingNotifier
	provisioner *Provisioner
	invitations *InvitationManager
	assignments *AssignmentService
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, db := setupRepo(t)

	f := &fixture{
		t:         t,
		repo:      repo,
		db:        db,
		authority: newFakeAuthority(),
		config:    NewStaticConfigSource(map[string]string{KeyAllowRegistration: "true"}),
		notifier:  &recordingNotifier{},
		now:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.gate = NewCachedGate(f.config, WithGateTTL(0))
	f.provisioner = NewProvisioner(repo, f.authority, f.gate,
		WithProvisionerLogger(quietLogger{}),
		WithProvisionerNotifier(f.notifier),
		WithCompensationPolicy(3, time.Second, zeroBackOff),
	)
	f.invitations = NewInvitationManager(repo,
		WithInvitationNotifier(f.notifier),
		WithInvitationLogger(quietLogger{}),
		WithInvitationClock(f.clock),
		WithFrontendBaseURL("https://app.example.com/"),
	)
	f.assignments = NewAssignmentService(repo, WithAssignmentLogger(quietLogger{}), WithAssignmentClock(f.clock))
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

// createUser provisions an account through the admin flow.
func (f *fixture) createUser(role Role, email string, institutionID *uuid.UUID) *User {
	f.t.Helper()
	res, err := f.provisioner.Provision(context.Background(), ProvisionRequest{
		Shape:         ShapeAdmin,
		Role:          role,
		Email:         email,
		FirstName:     "Test",
		LastName:      string(role),
		InstitutionID: institutionID,
	})
	require.NoError(f.t, err)
	return res.User
}

// createInstitution registers an institution and returns its owner and id.
func (f *fixture) createInstitution(email, name string) (*User, uuid.UUID) {
	f.t.Helper()
	res, err := f.provisioner.RegisterInstitution(context.Background(), RegisterInstitutionMessage{
		RegisterMessage: RegisterMessage{
			Email:     email,
			Password:  "Passw0rd!",
			FirstName: "Owner",
			LastName:  name,
		},
		InstitutionName: name,
		InstitutionType: "school",
	})
	require.NoError(f.t, err)

	admin, err := f.repo.Profiles().InstitutionAdminByUserTx(context.Background(), f.db, res.UserID)
	require.NoError(f.t, err)
	return res.User, admin.InstitutionID
}

func (f *fixture) teacherProfile(user *User) *TeacherProfile {
	f.t.Helper()
	p, err := f.repo.Profiles().TeacherByUserTx(context.Background(), f.db, user.ID)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) studentProfile(user *User) *StudentProfile {
	f.t.Helper()
	p, err := f.repo.Profiles().StudentByUserTx(context.Background(), f.db, user.ID)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) count(model any, where string, args ...any) int {
	f.t.Helper()
	q := f.db.NewSelect().Model(model)
	if where != "" {
		q = q.Where(where, args...)
	}
	n, err := q.Count(context.Background())
	require.NoError(f.t, err)
	return n
}

func actorOf(u *User) Actor {
	return Actor{UserID: u.ID, Email: u.Email, Roles: u.Roles}
}

var errBoom = errors.New("boom")

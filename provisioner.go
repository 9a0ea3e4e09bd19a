package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ProvisionShape selects the entry flow feeding the orchestrator.
type ProvisionShape int

const (
	ShapeSelfService ProvisionShape = iota
	ShapeAdmin
	ShapeOAuth
)

func (s ProvisionShape) String() string {
	switch s {
	case ShapeSelfService:
		return "self-service"
	case ShapeAdmin:
		return "admin"
	case ShapeOAuth:
		return "oauth"
	default:
		return "unknown"
	}
}

type InstitutionDetails struct {
	Name string
	Type string
	City string
}

type ProvisionRequest struct {
	Shape         ProvisionShape
	Role          Role
	Email         string
	Password      string
	FirstName     string
	LastName      string
	Phone         string
	Picture       string
	Institution   *InstitutionDetails
	InstitutionID *uuid.UUID
	External      *ExternalIdentity
}

type ProvisionResult struct {
	UserID            uuid.UUID `json:"user_id"`
	TemporaryPassword string    `json:"-"`
	VerificationToken string    `json:"-"`
	User              *User     `json:"user"`
}

const (
	stepCreateSubject = "create_subject"
	stepAssignRoles   = "assign_roles"
	stepPersistLocal  = "persist_local"
)

// Provisioner creates accounts that must exist both at the credential
// authority and in the local store. Local persistence failures after the
// subject exists are compensated by deleting the subject.
type Provisioner struct {
	repo      RepositoryManager
	authority CredentialAuthority
	gate      ConfigurationGate
	notifier  EventNotifier
	logger    Logger
	now       func() time.Time
	timeout   time.Duration

	compensationTries   uint
	compensationTimeout time.Duration
	compensationBackOff func() backoff.BackOff
}

type ProvisionerOption func(*Provisioner)

func WithProvisionerLogger(logger Logger) ProvisionerOption {
	return func(p *Provisioner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithProvisionerNotifier(n EventNotifier) ProvisionerOption {
	return func(p *Provisioner) {
		p.notifier = normalizeNotifier(n)
	}
}

func WithProvisionerClock(now func() time.Time) ProvisionerOption {
	return func(p *Provisioner) {
		if now != nil {
			p.now = now
		}
	}
}

func WithProvisionerTimeout(d time.Duration) ProvisionerOption {
	return func(p *Provisioner) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithCompensationPolicy sets how often and how long the compensating delete
// is retried before the subject is recorded as orphaned.
func WithCompensationPolicy(tries uint, timeout time.Duration, newBackOff func() backoff.BackOff) ProvisionerOption {
	return func(p *Provisioner) {
		if tries > 0 {
			p.compensationTries = tries
		}
		if timeout > 0 {
			p.compensationTimeout = timeout
		}
		if newBackOff != nil {
			p.compensationBackOff = newBackOff
		}
	}
}

func NewProvisioner(repo RepositoryManager, authority CredentialAuthority, gate ConfigurationGate, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		repo:                repo,
		authority:           authority,
		gate:                gate,
		notifier:            noopNotifier{},
		logger:              defLogger{},
		now:                 time.Now,
		timeout:             10 * time.Second,
		compensationTries:   5,
		compensationTimeout: 30 * time.Second,
		compensationBackOff: defaultCompensationBackOff,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *Provisioner) RegisterStudent(ctx context.Context, msg RegisterMessage) (*ProvisionResult, error) {
	return p.register(ctx, msg, RoleStudent)
}

func (p *Provisioner) RegisterTeacher(ctx context.Context, msg RegisterMessage) (*ProvisionResult, error) {
	return p.register(ctx, msg, RoleTeacher)
}

func (p *Provisioner) RegisterParent(ctx context.Context, msg RegisterMessage) (*ProvisionResult, error) {
	return p.register(ctx, msg, RoleParent)
}

func (p *Provisioner) register(ctx context.Context, msg RegisterMessage, role Role) (*ProvisionResult, error) {
	msg.Email = NormalizeEmail(msg.Email)
	if err := msg.Validate(); err != nil {
		return nil, validationFailed(err)
	}
	return p.Provision(ctx, ProvisionRequest{
		Shape:     ShapeSelfService,
		Role:      role,
		Email:     msg.Email,
		Password:  msg.Password,
		FirstName: msg.FirstName,
		LastName:  msg.LastName,
		Phone:     msg.Phone,
	})
}

// RegisterInstitution creates an institution together with its owner. It is
// not subject to the self registration switch.
func (p *Provisioner) RegisterInstitution(ctx context.Context, msg RegisterInstitutionMessage) (*ProvisionResult, error) {
	msg.Email = NormalizeEmail(msg.Email)
	if err := msg.Validate(); err != nil {
		return nil, validationFailed(err)
	}
	return p.Provision(ctx, ProvisionRequest{
		Shape:     ShapeSelfService,
		Role:      RoleInstitutionOwner,
		Email:     msg.Email,
		Password:  msg.Password,
		FirstName: msg.FirstName,
		LastName:  msg.LastName,
		Phone:     msg.Phone,
		Institution: &InstitutionDetails{
			Name: msg.InstitutionName,
			Type: msg.InstitutionType,
			City: msg.City,
		},
	})
}

func (p *Provisioner) CreateStudent(ctx context.Context, actor Actor, msg CreateUserMessage) (*ProvisionResult, error) {
	msg.Role = RoleStudent
	return p.CreateUser(ctx, actor, msg)
}

func (p *Provisioner) CreateTeacher(ctx context.Context, actor Actor, msg CreateUserMessage) (*ProvisionResult, error) {
	msg.Role = RoleTeacher
	return p.CreateUser(ctx, actor, msg)
}

// CreateUser provisions an account with a temporary password on behalf of an
// administrator. System admins may create any role. Institution admins may
// create students and teachers inside their own institution.
func (p *Provisioner) CreateUser(ctx context.Context, actor Actor, msg CreateUserMessage) (*ProvisionResult, error) {
	if actor.IsZero() {
		return nil, ErrUnauthorized
	}
	msg.Email = NormalizeEmail(msg.Email)
	if err := msg.Validate(); err != nil {
		return nil, validationFailed(err)
	}

	req := ProvisionRequest{
		Shape:     ShapeAdmin,
		Role:      msg.Role,
		Email:     msg.Email,
		FirstName: msg.FirstName,
		LastName:  msg.LastName,
		Phone:     msg.Phone,
	}

	switch {
	case actor.HasRole(RoleSystemAdmin):
		if msg.InstitutionID != nil {
			if _, err := p.repo.Institutions().GetByID(ctx, msg.InstitutionID.String()); err != nil {
				return nil, notFoundAs(err, ErrInstitutionNotFound)
			}
			req.InstitutionID = msg.InstitutionID
		}
		if msg.Role == RoleInstitutionAdmin && req.InstitutionID == nil {
			return nil, validationFailed(errors.New("institution_id: required for institution admins"))
		}
	case actor.HasRole(RoleInstitutionAdmin, RoleInstitutionOwner):
		if msg.Role != RoleStudent && msg.Role != RoleTeacher {
			return nil, ErrCreateUserForbidden
		}
		admin, err := p.repo.Profiles().InstitutionAdminByUserTx(ctx, p.repo.DB(), actor.UserID)
		if err != nil {
			if isNotFound(err) || errors.Is(err, ErrInstitutionNotFound) {
				return nil, ErrCreateUserForbidden
			}
			return nil, asRichError(err, "failed to resolve caller institution")
		}
		req.InstitutionID = &admin.InstitutionID
	default:
		return nil, ErrCreateUserForbidden
	}

	return p.Provision(ctx, req)
}

// Provision runs the account creation saga for any entry flow.
func (p *Provisioner) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	select {
	case <-ctx.Done():
		return nil, goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during account provisioning",
		)
	default:
		return p.provision(ctx, req)
	}
}

func (p *Provisioner) provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	failCode := TextCodeRegistrationFailed
	if req.Shape == ShapeAdmin {
		failCode = TextCodeCreateUserFailed
	}

	if !req.Role.IsValid() {
		return nil, validationFailed(fmt.Errorf("role: unknown role %q", req.Role))
	}

	if req.Shape == ShapeSelfService && req.Role != RoleInstitutionOwner {
		allowed, err := Flag(ctx, p.gate, KeyAllowRegistration, false)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read registration flag")
		}
		if !allowed {
			return nil, ErrRegistrationDisabled
		}
	}

	req.Email = NormalizeEmail(req.Email)
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, validationFailed(fmt.Errorf("phone_number: %w", err))
	}
	req.Phone = phone

	exists, err := p.repo.Users().ExistsByEmailTx(ctx, p.repo.DB(), req.Email)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to check email uniqueness")
	}
	if exists {
		return nil, ErrUserExists
	}

	roles := rolesFor(req.Role)
	result := &ProvisionResult{}
	var subjectID string
	localPassword := req.Password

	s := newSaga(p.logger, p.compensationTries, p.compensationTimeout, p.compensationBackOff)

	s.step(stepCreateSubject, func(ctx context.Context) error {
		subject := SubjectRequest{
			Email:         req.Email,
			Password:      req.Password,
			FirstName:     req.FirstName,
			LastName:      req.LastName,
			EmailVerified: req.Shape == ShapeOAuth,
		}

		var err error
		switch req.Shape {
		case ShapeAdmin:
			var temp string
			subjectID, temp, err = p.authority.CreateSubjectWithTemporaryPassword(ctx, subject)
			localPassword = temp
			result.TemporaryPassword = temp
		case ShapeOAuth:
			// the external IdP owns the login, the subject only gets an
			// unusable random password and no local mirror is kept
			if subject.Password, err = GenerateTemporaryPassword(32); err != nil {
				return err
			}
			localPassword = ""
			subjectID, err = p.authority.CreateSubject(ctx, subject)
		default:
			subjectID, err = p.authority.CreateSubject(ctx, subject)
		}
		return err
	}, func(ctx context.Context) error {
		return p.deleteSubject(ctx, subjectID)
	})

	s.step(stepAssignRoles, func(ctx context.Context) error {
		for _, role := range roles {
			if err := p.authority.AssignRole(ctx, subjectID, role); err != nil {
				return goerrors.Wrap(err, goerrors.CategoryOperation, fmt.Sprintf("failed to assign role %s", role))
			}
		}
		return nil
	}, nil)

	s.step(stepPersistLocal, func(ctx context.Context) error {
		user, token, err := p.persist(ctx, req, subjectID, localPassword, roles)
		if err != nil {
			return err
		}
		result.User = user
		result.UserID = user.ID
		result.VerificationToken = token
		return nil
	}, nil)

	out := s.execute(ctx)
	if out.Err != nil {
		if out.FailedStep == stepCreateSubject {
			if isSubjectExists(out.Err) {
				return nil, ErrUserExists
			}
			return nil, goerrors.Wrap(out.Err, goerrors.CategoryOperation, "credential authority could not create subject").
				WithTextCode(failCode)
		}

		p.logger.Error("provisioning %s for %s failed at %s: %v (compensated=%t)",
			req.Shape, req.Email, out.FailedStep, out.Err, out.Compensated)

		if !out.Compensated {
			p.recordOrphan(ctx, subjectID, req.Email, out)
		}
		return nil, provisioningFailed(failCode, subjectID, out.Err, out.Compensated)
	}

	p.publishProvisioned(ctx, req, result)

	return result, nil
}

func (p *Provisioner) persist(ctx context.Context, req ProvisionRequest, subjectID, password string, roles []Role) (*User, string, error) {
	var (
		user  *User
		token string
	)

	err := p.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := p.now()
		record := &User{
			SubjectID:      subjectID,
			Email:          req.Email,
			FirstName:      req.FirstName,
			LastName:       req.LastName,
			Phone:          req.Phone,
			ProfilePicture: req.Picture,
			EmailConfirmed: req.Shape == ShapeOAuth,
			IsActive:       true,
			Roles:          roles,
			CreatedAt:      now,
		}

		if password != "" {
			hash, err := HashPassword(password)
			if err != nil {
				return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
			}
			record.PasswordHash = hash
		}

		var err error
		if user, err = p.repo.Users().InsertTx(ctx, tx, record); err != nil {
			return err
		}

		if err := p.createProfile(ctx, tx, req, user); err != nil {
			return err
		}

		if req.Shape == ShapeSelfService {
			raw, hash, err := NewOpaqueToken()
			if err != nil {
				return err
			}
			if err := p.repo.EmailVerifications().InsertTx(ctx, tx, &EmailVerification{
				UserID:    user.ID,
				TokenHash: hash,
				CreatedAt: now,
			}); err != nil {
				return err
			}
			token = raw
		}

		if req.External != nil {
			if err := p.repo.Identifiers().UpsertTx(ctx, tx, user.ID, req.External.Provider, req.External.SubjectID); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, "", err
	}

	return user, token, nil
}

func (p *Provisioner) createProfile(ctx context.Context, tx bun.Tx, req ProvisionRequest, user *User) error {
	profiles := p.repo.Profiles()

	switch req.Role {
	case RoleStudent:
		_, err := profiles.CreateStudentTx(ctx, tx, &StudentProfile{UserID: user.ID, InstitutionID: req.InstitutionID})
		return err
	case RoleTeacher:
		_, err := profiles.CreateTeacherTx(ctx, tx, &TeacherProfile{UserID: user.ID, InstitutionID: req.InstitutionID})
		return err
	case RoleParent:
		_, err := profiles.CreateParentTx(ctx, tx, &ParentProfile{UserID: user.ID})
		return err
	case RoleInstitutionOwner:
		if req.Institution == nil {
			return validationFailed(errors.New("institution: details are required"))
		}
		inst, err := p.repo.Institutions().CreateTx(ctx, tx, &Institution{
			ID:        uuid.New(),
			Name:      req.Institution.Name,
			Type:      req.Institution.Type,
			City:      req.Institution.City,
			CreatedAt: p.now(),
		})
		if err != nil {
			return err
		}
		_, err = profiles.CreateInstitutionAdminTx(ctx, tx, &InstitutionAdmin{
			UserID:        user.ID,
			InstitutionID: inst.ID,
			IsOwner:       true,
		})
		return err
	case RoleInstitutionAdmin:
		if req.InstitutionID == nil {
			return validationFailed(errors.New("institution_id: required for institution admins"))
		}
		_, err := profiles.CreateInstitutionAdminTx(ctx, tx, &InstitutionAdmin{
			UserID:        user.ID,
			InstitutionID: *req.InstitutionID,
		})
		return err
	case RoleSystemAdmin:
		return nil
	default:
		return validationFailed(fmt.Errorf("role: unknown role %q", req.Role))
	}
}

func (p *Provisioner) publishProvisioned(ctx context.Context, req ProvisionRequest, result *ProvisionResult) {
	user := result.User
	var event Event

	switch req.Shape {
	case ShapeSelfService:
		event = UserRegisteredEvent{
			UserID:            user.ID,
			Email:             user.Email,
			FirstName:         user.FirstName,
			LastName:          user.LastName,
			VerificationToken: result.VerificationToken,
		}
	case ShapeAdmin:
		event = UserCreatedEvent{
			UserID:            user.ID,
			Email:             user.Email,
			FirstName:         user.FirstName,
			LastName:          user.LastName,
			Role:              req.Role,
			TemporaryPassword: result.TemporaryPassword,
			CreatedAt:         user.CreatedAt,
		}
	case ShapeOAuth:
		event = UserEmailConfirmedEvent{
			UserID:    user.ID,
			Email:     user.Email,
			FirstName: user.FirstName,
			LastName:  user.LastName,
			Role:      req.Role,
		}
	}

	safePublish(ctx, p.notifier, p.logger, event)
}

func (p *Provisioner) deleteSubject(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return nil
	}
	err := p.authority.DeleteSubject(ctx, subjectID)
	if err == nil || errors.Is(err, ErrSubjectNotFound) || HasTextCode(err, TextCodeSubjectNotFound) {
		return nil
	}
	return err
}

func (p *Provisioner) recordOrphan(ctx context.Context, subjectID, email string, out sagaOutcome) {
	reason := fmt.Sprintf("%s failed: %v; compensation: %v", out.FailedStep, out.Err, out.CompensateErr)
	p.logger.Error("ORPHANED credential subject %s (%s) requires cleanup: %s", subjectID, email, reason)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.repo.OrphanedSubjects().Record(rctx, p.repo.DB(), subjectID, email, reason, p.now()); err != nil {
		p.logger.Error("failed to record orphaned subject %s: %v", subjectID, err)
	}
}

// RetryOrphans re-attempts deletion of subjects recorded after a failed
// compensation. Resolved rows are removed. It returns how many were resolved.
func (p *Provisioner) RetryOrphans(ctx context.Context) (int, error) {
	orphans, err := p.repo.OrphanedSubjects().List(ctx, p.repo.DB(), 100)
	if err != nil {
		return 0, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to list orphaned subjects")
	}

	resolved := 0
	for _, o := range orphans {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}

		// a local user owning the subject means the subject is not orphaned
		if _, err := p.repo.Users().FindBySubjectTx(ctx, p.repo.DB(), o.SubjectID); err == nil {
			p.logger.Warn("orphaned subject %s is owned by a local user, clearing record", o.SubjectID)
		} else if err := p.deleteSubject(ctx, o.SubjectID); err != nil {
			p.logger.Error("retry delete of orphaned subject %s failed: %v", o.SubjectID, err)
			if rerr := p.repo.OrphanedSubjects().Record(ctx, p.repo.DB(), o.SubjectID, o.Email, err.Error(), p.now()); rerr != nil {
				p.logger.Error("failed to update orphaned subject %s: %v", o.SubjectID, rerr)
			}
			continue
		}

		if err := p.repo.OrphanedSubjects().Resolve(ctx, p.repo.DB(), o.SubjectID); err != nil {
			return resolved, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to clear orphaned subject")
		}
		resolved++
	}

	return resolved, nil
}

// rolesFor lists the roles granted at the credential authority for a
// provisioned role. Owners also administer their institution.
func rolesFor(role Role) []Role {
	if role == RoleInstitutionOwner {
		return []Role{RoleInstitutionOwner, RoleInstitutionAdmin}
	}
	return []Role{role}
}

func isSubjectExists(err error) bool {
	return errors.Is(err, ErrUserExists) ||
		errors.Is(err, ErrUserDuplicate) ||
		HasTextCode(err, TextCodeUserExists) ||
		HasTextCode(err, TextCodeUserDuplicate)
}

func safePublish(ctx context.Context, n EventNotifier, logger Logger, event Event) {
	if event == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			resolveLogger(logger).Warn("event publish panicked for %s: %v", event.EventType(), r)
		}
	}()
	normalizeNotifier(n).Publish(ctx, event)
}

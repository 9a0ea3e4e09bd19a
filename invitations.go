package accounts

import (
	"context"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// DefaultInvitationTTL is how long an invitation stays actionable.
const DefaultInvitationTTL = 7 * 24 * time.Hour

// InvitationManager owns the invitation lifecycle and the relationship side
// effects applied on acceptance.
type InvitationManager struct {
	repo         RepositoryManager
	stateMachine InvitationStateMachine
	assignments  *AssignmentService
	notifier     EventNotifier
	logger       Logger
	now          func() time.Time
	ttl          time.Duration
	frontendBase string
}

type InvitationManagerOption func(*InvitationManager)

func WithInvitationTTL(ttl time.Duration) InvitationManagerOption {
	return func(m *InvitationManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithInvitationClock(now func() time.Time) InvitationManagerOption {
	return func(m *InvitationManager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithInvitationNotifier(n EventNotifier) InvitationManagerOption {
	return func(m *InvitationManager) {
		m.notifier = normalizeNotifier(n)
	}
}

func WithInvitationLogger(logger Logger) InvitationManagerOption {
	return func(m *InvitationManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithFrontendBaseURL sets the base used for invitation deep links.
func WithFrontendBaseURL(base string) InvitationManagerOption {
	return func(m *InvitationManager) {
		m.frontendBase = strings.TrimRight(base, "/")
	}
}

func NewInvitationManager(repo RepositoryManager, opts ...InvitationManagerOption) *InvitationManager {
	m := &InvitationManager{
		repo:     repo,
		notifier: noopNotifier{},
		logger:   defLogger{},
		now:      time.Now,
		ttl:      DefaultInvitationTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.stateMachine = NewInvitationStateMachine(repo.Invitations(), WithStateMachineClock(m.now))
	m.assignments = NewAssignmentService(repo, WithAssignmentClock(m.now))
	return m
}

// InvitationLink is the accept/reject UI address for an invitation.
func (m *InvitationManager) InvitationLink(id uuid.UUID) string {
	if m.frontendBase == "" {
		return ""
	}
	return m.frontendBase + "/accept-invitation?id=" + url.QueryEscape(id.String())
}

// Create issues an invitation. A pending invitation for the same invitee,
// type and target suppresses the new one.
func (m *InvitationManager) Create(ctx context.Context, actor Actor, msg CreateInvitationMessage) (*Invitation, error) {
	if actor.IsZero() {
		return nil, ErrUnauthorized
	}
	msg.InviteeEmail = NormalizeEmail(msg.InviteeEmail)
	if err := msg.Validate(); err != nil {
		return nil, validationFailed(err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	inv := &Invitation{
		InviterID:    actor.UserID,
		InviteeEmail: msg.InviteeEmail,
		Type:         msg.Type,
		Status:       InvitationPending,
		Message:      strings.TrimSpace(msg.Message),
	}

	var invitee *User
	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := m.resolveTarget(ctx, tx, actor, msg, inv); err != nil {
			return err
		}

		existing, err := m.repo.Invitations().FindPendingTx(ctx, tx, inv.InviteeEmail, inv.Type, inv.TargetID)
		switch {
		case err == nil && existing.IsActionable(m.now()):
			return duplicateInvitationError(inv.Type)
		case err == nil:
			// lapsed but never evaluated, retire it so the new one can take its place
			if err := m.stateMachine.Transition(ctx, tx, actor, existing, InvitationExpired); err != nil {
				return err
			}
		case !goerrors.Is(err, ErrInvitationNotFound):
			return err
		}

		now := m.now()
		inv.CreatedAt = now
		inv.ExpiresAt = now.Add(m.ttl)
		if _, err := m.repo.Invitations().InsertTx(ctx, tx, inv); err != nil {
			return err
		}

		if u, err := m.repo.Users().FindByEmailTx(ctx, tx, inv.InviteeEmail); err == nil {
			invitee = u
		}
		return nil
	})
	if err != nil {
		return nil, asRichError(err, "failed to create invitation")
	}

	event := InvitationCreatedEvent{
		InvitationID:   inv.ID,
		InviterEmail:   actor.Email,
		InviteeEmail:   inv.InviteeEmail,
		InvitationType: inv.Type,
		Message:        inv.Message,
		Link:           m.InvitationLink(inv.ID),
		CreatedAt:      inv.CreatedAt,
	}
	if invitee != nil {
		id := invitee.ID
		event.InviteeID = &id
	}
	safePublish(ctx, m.notifier, m.logger, event)

	return inv, nil
}

// resolveTarget checks the caller may invite into the requested target and
// fills the target columns. Exactly one of InstitutionID and TeacherID is set.
func (m *InvitationManager) resolveTarget(ctx context.Context, tx bun.IDB, actor Actor, msg CreateInvitationMessage, inv *Invitation) error {
	profiles := m.repo.Profiles()

	switch msg.Type {
	case InvitationTeacherToInstitution, InvitationStudentToInstitution:
		if msg.TeacherID != nil {
			return ErrInvitationInvalidTarget
		}
		institutionID := msg.InstitutionID

		switch {
		case actor.HasRole(RoleSystemAdmin):
			if institutionID == nil {
				return ErrInvitationInvalidTarget
			}
		case actor.HasRole(RoleInstitutionAdmin, RoleInstitutionOwner):
			admin, err := profiles.InstitutionAdminByUserTx(ctx, tx, actor.UserID)
			if err != nil {
				if goerrors.Is(err, ErrInstitutionNotFound) {
					return ErrInviteForbidden
				}
				return err
			}
			if institutionID == nil {
				institutionID = &admin.InstitutionID
			}
			if *institutionID != admin.InstitutionID {
				return ErrInviteForbidden
			}
		default:
			return ErrInviteForbidden
		}

		if _, err := findInstitutionTx(ctx, tx, *institutionID); err != nil {
			return err
		}
		id := *institutionID
		inv.InstitutionID = &id
		inv.TargetID = id
		return nil

	case InvitationStudentToTeacher:
		if msg.InstitutionID != nil {
			return ErrInvitationInvalidTarget
		}

		var teacher *TeacherProfile
		var err error
		switch {
		case actor.HasRole(RoleTeacher) && msg.TeacherID == nil:
			teacher, err = profiles.TeacherByUserTx(ctx, tx, actor.UserID)
		case msg.TeacherID == nil:
			return ErrInvitationInvalidTarget
		default:
			teacher, err = profiles.TeacherByIDTx(ctx, tx, *msg.TeacherID)
		}
		if err != nil {
			return err
		}

		if err := m.canActForTeacher(ctx, tx, actor, teacher); err != nil {
			return err
		}

		id := teacher.ID
		inv.TeacherID = &id
		inv.TargetID = id
		return nil

	default:
		return ErrInvitationInvalidTarget
	}
}

func (m *InvitationManager) canActForTeacher(ctx context.Context, tx bun.IDB, actor Actor, teacher *TeacherProfile) error {
	switch {
	case teacher.UserID == actor.UserID:
		return nil
	case actor.HasRole(RoleSystemAdmin):
		return nil
	case actor.HasRole(RoleInstitutionAdmin, RoleInstitutionOwner):
		admin, err := m.repo.Profiles().InstitutionAdminByUserTx(ctx, tx, actor.UserID)
		if err != nil {
			if goerrors.Is(err, ErrInstitutionNotFound) {
				return ErrInviteForbidden
			}
			return err
		}
		if teacher.InstitutionID != nil && *teacher.InstitutionID == admin.InstitutionID {
			return nil
		}
		return ErrInviteForbidden
	default:
		return ErrInviteForbidden
	}
}

// Accept resolves the invitation and applies its relationship side effect in
// the same transaction as the status change.
func (m *InvitationManager) Accept(ctx context.Context, actor Actor, invitationID uuid.UUID) (*Invitation, error) {
	return m.respond(ctx, actor, invitationID, InvitationAccepted)
}

// Reject resolves the invitation without side effects.
func (m *InvitationManager) Reject(ctx context.Context, actor Actor, invitationID uuid.UUID) (*Invitation, error) {
	return m.respond(ctx, actor, invitationID, InvitationRejected)
}

func (m *InvitationManager) respond(ctx context.Context, actor Actor, invitationID uuid.UUID, target InvitationStatus) (*Invitation, error) {
	if actor.IsZero() || strings.TrimSpace(actor.Email) == "" {
		return nil, ErrUnauthorized
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var (
		inv     *Invitation
		expired bool
	)

	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if inv, err = m.repo.Invitations().FindByIDTx(ctx, tx, invitationID); err != nil {
			return err
		}

		if NormalizeEmail(inv.InviteeEmail) != NormalizeEmail(actor.Email) {
			return ErrInvitationForbidden
		}

		if inv.Status == InvitationPending && !inv.IsActionable(m.now()) {
			// persist the lapse and report it after commit
			expired = true
			return m.stateMachine.Transition(ctx, tx, actor, inv, InvitationExpired)
		}

		var hooks []InvitationTransitionHook
		if target == InvitationAccepted {
			hooks = append(hooks, m.applyAcceptance)
		}
		return m.stateMachine.Transition(ctx, tx, actor, inv, target, hooks...)
	})
	if err != nil {
		return nil, asRichError(err, "failed to respond to invitation")
	}
	if expired {
		return nil, ErrInvitationNotPending
	}

	return inv, nil
}

// applyAcceptance dispatches the side effect for each invitation type.
func (m *InvitationManager) applyAcceptance(ctx context.Context, tc InvitationTransitionContext) error {
	inv := tc.Invitation
	profiles := m.repo.Profiles()

	switch inv.Type {
	case InvitationTeacherToInstitution:
		if inv.InstitutionID == nil {
			return ErrInvitationInvalidTarget
		}
		teacher, err := profiles.TeacherByUserTx(ctx, tc.Tx, tc.Actor.UserID)
		if err != nil {
			return err
		}
		return profiles.SetTeacherInstitutionTx(ctx, tc.Tx, teacher.ID, *inv.InstitutionID)

	case InvitationStudentToInstitution:
		if inv.InstitutionID == nil {
			return ErrInvitationInvalidTarget
		}
		student, err := profiles.StudentByUserTx(ctx, tc.Tx, tc.Actor.UserID)
		if err != nil {
			return err
		}
		return profiles.SetStudentInstitutionTx(ctx, tc.Tx, student.ID, *inv.InstitutionID)

	case InvitationStudentToTeacher:
		if inv.TeacherID == nil {
			return ErrInvitationInvalidTarget
		}
		student, err := profiles.StudentByUserTx(ctx, tc.Tx, tc.Actor.UserID)
		if err != nil {
			return err
		}
		teacher, err := profiles.TeacherByIDTx(ctx, tc.Tx, *inv.TeacherID)
		if err != nil {
			return err
		}
		_, err = m.assignments.ensureActiveTx(ctx, tc.Tx, teacher.ID, student.ID, student.InstitutionID, tc.Actor.UserID)
		return err

	default:
		return ErrInvitationInvalidTarget
	}
}

// ListReceived returns the actionable invitations addressed to the caller.
func (m *InvitationManager) ListReceived(ctx context.Context, actor Actor) ([]*Invitation, error) {
	if actor.IsZero() || strings.TrimSpace(actor.Email) == "" {
		return nil, ErrUnauthorized
	}

	records, err := m.repo.Invitations().ListPendingForEmailTx(ctx, m.repo.DB(), actor.Email)
	if err != nil {
		return nil, asRichError(err, "failed to list invitations")
	}

	now := m.now()
	out := make([]*Invitation, 0, len(records))
	for _, inv := range records {
		if inv.IsActionable(now) {
			out = append(out, inv)
		}
	}
	return out, nil
}

// Get returns an invitation as seen by its invitee, with expiry applied.
func (m *InvitationManager) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Invitation, error) {
	if actor.IsZero() {
		return nil, ErrUnauthorized
	}
	inv, err := m.repo.Invitations().FindByIDTx(ctx, m.repo.DB(), id)
	if err != nil {
		return nil, asRichError(err, "failed to load invitation")
	}
	if NormalizeEmail(inv.InviteeEmail) != NormalizeEmail(actor.Email) && inv.InviterID != actor.UserID {
		return nil, ErrInvitationForbidden
	}
	inv.Status = inv.EffectiveStatus(m.now())
	return inv, nil
}

package accounts

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// InvitationTransitionContext is passed into hooks for additional processing.
type InvitationTransitionContext struct {
	Actor      Actor
	Invitation *Invitation
	From       InvitationStatus
	To         InvitationStatus
	Tx         bun.IDB
}

// InvitationTransitionHook runs inside the transition's transaction. An error
// aborts the transition.
type InvitationTransitionHook func(ctx context.Context, tc InvitationTransitionContext) error

// InvitationStateMachine centralizes the invitation transition graph and
// persistence.
type InvitationStateMachine interface {
	Transition(ctx context.Context, tx bun.IDB, actor Actor, inv *Invitation, target InvitationStatus, after ...InvitationTransitionHook) error
	CanTransition(from, to InvitationStatus) bool
}

type StateMachineOption func(*invitationStateMachine)

// WithStateMachineClock injects a custom clock (useful for tests).
func WithStateMachineClock(clock func() time.Time) StateMachineOption {
	return func(sm *invitationStateMachine) {
		if clock != nil {
			sm.now = clock
		}
	}
}

func NewInvitationStateMachine(invitations Invitations, opts ...StateMachineOption) InvitationStateMachine {
	sm := &invitationStateMachine{
		invitations: invitations,
		transitions: map[InvitationStatus]map[InvitationStatus]struct{}{
			InvitationPending: {
				InvitationAccepted: {},
				InvitationRejected: {},
				InvitationExpired:  {},
			},
		},
		now: time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	return sm
}

type invitationStateMachine struct {
	invitations Invitations
	transitions map[InvitationStatus]map[InvitationStatus]struct{}
	now         func() time.Time
}

func (sm *invitationStateMachine) Transition(ctx context.Context, tx bun.IDB, actor Actor, inv *Invitation, target InvitationStatus, after ...InvitationTransitionHook) error {
	if inv == nil {
		return ErrInvitationNotFound
	}

	from := inv.Status
	if !sm.CanTransition(from, target) {
		if from != InvitationPending {
			return ErrInvitationNotPending
		}
		return ErrInvalidInvitationTransition
	}

	now := sm.now()
	applied, err := sm.invitations.TransitionTx(ctx, tx, inv.ID, from, target, now)
	if err != nil {
		return err
	}
	// another request resolved the invitation first
	if !applied {
		return ErrInvitationNotPending
	}

	inv.Status = target
	inv.RespondedAt = &now

	tc := InvitationTransitionContext{
		Actor:      actor,
		Invitation: inv,
		From:       from,
		To:         target,
		Tx:         tx,
	}
	for _, hook := range after {
		if hook == nil {
			continue
		}
		if err := hook(ctx, tc); err != nil {
			return err
		}
	}

	return nil
}

func (sm *invitationStateMachine) CanTransition(from, to InvitationStatus) bool {
	if allowed, ok := sm.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

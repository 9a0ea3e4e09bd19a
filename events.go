package accounts

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventUserRegistered     = "accounts.user.registered"
	EventUserCreated        = "accounts.user.created"
	EventUserEmailConfirmed = "accounts.user.email_confirmed"
	EventInvitationCreated  = "accounts.invitation.created"
)

// Event is an integration event consumed by the notification service.
type Event interface {
	EventType() string
}

type UserRegisteredEvent struct {
	UserID            uuid.UUID `json:"user_id"`
	Email             string    `json:"email"`
	FirstName         string    `json:"first_name"`
	LastName          string    `json:"last_name"`
	VerificationToken string    `json:"verification_token"`
}

func (UserRegisteredEvent) EventType() string { return EventUserRegistered }

type UserCreatedEvent struct {
	UserID            uuid.UUID `json:"user_id"`
	Email             string    `json:"email"`
	FirstName         string    `json:"first_name"`
	LastName          string    `json:"last_name"`
	Role              Role      `json:"role"`
	TemporaryPassword string    `json:"temporary_password"`
	CreatedAt         time.Time `json:"created_at"`
}

func (UserCreatedEvent) EventType() string { return EventUserCreated }

type UserEmailConfirmedEvent struct {
	UserID    uuid.UUID `json:"user_id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Role      Role      `json:"role"`
}

func (UserEmailConfirmedEvent) EventType() string { return EventUserEmailConfirmed }

type InvitationCreatedEvent struct {
	InvitationID   uuid.UUID      `json:"invitation_id"`
	InviterEmail   string         `json:"inviter_email"`
	InviteeEmail   string         `json:"invitee_email"`
	InviteeID      *uuid.UUID     `json:"invitee_id,omitempty"`
	InvitationType InvitationType `json:"invitation_type"`
	Message        string         `json:"message,omitempty"`
	Link           string         `json:"link,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (InvitationCreatedEvent) EventType() string { return EventInvitationCreated }

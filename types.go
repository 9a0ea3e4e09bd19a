package accounts

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// CredentialAuthority is the external system of record for login
// credentials and email verification state of a subject.
type CredentialAuthority interface {
	CreateSubject(ctx context.Context, req SubjectRequest) (string, error)
	CreateSubjectWithTemporaryPassword(ctx context.Context, req SubjectRequest) (subjectID string, tempPassword string, err error)
	DeleteSubject(ctx context.Context, subjectID string) error
	ActivateSubject(ctx context.Context, subjectID string) error
	DeactivateSubject(ctx context.Context, subjectID string) error
	AssignRole(ctx context.Context, subjectID string, role Role) error
	MarkEmailVerified(ctx context.Context, subjectID string) error
}

// SubjectRequest holds the attributes sent to the credential authority
// when a subject is created.
type SubjectRequest struct {
	Email         string
	Password      string
	FirstName     string
	LastName      string
	EmailVerified bool
}

// ConfigurationGate supplies string encoded runtime flags.
type ConfigurationGate interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
}

// EventNotifier publishes integration events. Publish never fails the caller.
type EventNotifier interface {
	Publish(ctx context.Context, event Event)
}

// Publisher delivers a single event to a transport.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// IdentityVerifier validates a token issued by an external identity provider.
type IdentityVerifier interface {
	Provider() string
	Verify(ctx context.Context, rawToken string) (*ExternalIdentity, error)
}

// ExternalIdentity is a verified identity asserted by an external provider.
type ExternalIdentity struct {
	Provider  string
	SubjectID string
	Email     string
	FirstName string
	LastName  string
	Picture   string
}

// Actor is the authenticated caller of a command.
type Actor struct {
	UserID uuid.UUID
	Email  string
	Roles  []Role
}

func (a Actor) IsZero() bool {
	return a.UserID == uuid.Nil
}

func (a Actor) HasRole(roles ...Role) bool {
	return HasAnyRole(a.Roles, roles...)
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] ACCOUNTS "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] ACCOUNTS "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] ACCOUNTS "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] ACCOUNTS "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

func resolveLogger(logger Logger) Logger {
	if logger == nil {
		return defLogger{}
	}
	return logger
}

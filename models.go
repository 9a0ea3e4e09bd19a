package accounts

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// User is the local account record mirrored from a credential subject
type User struct {
	bun.BaseModel  `bun:"table:users,alias:usr"`
	ID             uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	SubjectID      string     `bun:"subject_id,notnull,unique" json:"subject_id"`
	Email          string     `bun:"email,notnull" json:"email"`
	FirstName      string     `bun:"first_name,notnull" json:"first_name"`
	LastName       string     `bun:"last_name,notnull" json:"last_name"`
	Phone          string     `bun:"phone_number" json:"phone_number,omitempty"`
	ProfilePicture string     `bun:"profile_picture" json:"profile_picture,omitempty"`
	PasswordHash   string     `bun:"password_hash" json:"-"`
	EmailConfirmed bool       `bun:"email_confirmed,notnull" json:"email_confirmed"`
	IsActive       bool       `bun:"is_active,notnull" json:"is_active"`
	LoggedInAt     *time.Time `bun:"loggedin_at,nullzero" json:"loggedin_at,omitempty"`
	CreatedAt      time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt      time.Time  `bun:"updated_at,notnull" json:"updated_at"`

	Roles []Role `bun:"-" json:"roles"`
}

func (u *User) HasRole(roles ...Role) bool {
	return HasAnyRole(u.Roles, roles...)
}

func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// UserRoleGrant is a role assigned to a user
type UserRoleGrant struct {
	bun.BaseModel `bun:"table:user_roles,alias:ur"`
	UserID        uuid.UUID `bun:"user_id,pk,type:uuid"`
	Role          Role      `bun:"role,pk"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

type StudentProfile struct {
	bun.BaseModel `bun:"table:student_profiles,alias:sp"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	UserID        uuid.UUID  `bun:"user_id,notnull,unique,type:uuid" json:"user_id"`
	InstitutionID *uuid.UUID `bun:"institution_id,type:uuid" json:"institution_id,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}

type TeacherProfile struct {
	bun.BaseModel `bun:"table:teacher_profiles,alias:tp"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	UserID        uuid.UUID  `bun:"user_id,notnull,unique,type:uuid" json:"user_id"`
	InstitutionID *uuid.UUID `bun:"institution_id,type:uuid" json:"institution_id,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}

type ParentProfile struct {
	bun.BaseModel `bun:"table:parent_profiles,alias:pp"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	UserID        uuid.UUID `bun:"user_id,notnull,unique,type:uuid" json:"user_id"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
}

// InstitutionAdmin links a user to the institution they administer
type InstitutionAdmin struct {
	bun.BaseModel `bun:"table:institution_admins,alias:ia"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	UserID        uuid.UUID `bun:"user_id,notnull,unique,type:uuid" json:"user_id"`
	InstitutionID uuid.UUID `bun:"institution_id,notnull,type:uuid" json:"institution_id"`
	IsOwner       bool      `bun:"is_owner,notnull" json:"is_owner"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
}

type Institution struct {
	bun.BaseModel `bun:"table:institutions,alias:inst"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	Name          string    `bun:"name,notnull" json:"name"`
	Type          string    `bun:"type,notnull" json:"type"`
	City          string    `bun:"city" json:"city,omitempty"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
}

// InvitationType is the closed set of relationships an invitation proposes
type InvitationType string

const (
	InvitationTeacherToInstitution InvitationType = "TeacherToInstitution"
	InvitationStudentToInstitution InvitationType = "StudentToInstitution"
	InvitationStudentToTeacher     InvitationType = "StudentToTeacher"
)

func (t InvitationType) IsValid() bool {
	switch t {
	case InvitationTeacherToInstitution, InvitationStudentToInstitution, InvitationStudentToTeacher:
		return true
	default:
		return false
	}
}

// TargetsInstitution reports whether the invitation references an institution
// rather than a teacher profile.
func (t InvitationType) TargetsInstitution() bool {
	return t == InvitationTeacherToInstitution || t == InvitationStudentToInstitution
}

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRejected InvitationStatus = "rejected"
	InvitationExpired  InvitationStatus = "expired"
)

type Invitation struct {
	bun.BaseModel `bun:"table:invitations,alias:inv"`
	ID            uuid.UUID        `bun:"id,pk,type:uuid" json:"id"`
	InviterID     uuid.UUID        `bun:"inviter_id,notnull,type:uuid" json:"inviter_id"`
	InviteeEmail  string           `bun:"invitee_email,notnull" json:"invitee_email"`
	Type          InvitationType   `bun:"type,notnull" json:"type"`
	InstitutionID *uuid.UUID       `bun:"institution_id,type:uuid" json:"institution_id,omitempty"`
	TeacherID     *uuid.UUID       `bun:"teacher_id,type:uuid" json:"teacher_id,omitempty"`
	TargetID      uuid.UUID        `bun:"target_id,notnull,type:uuid" json:"-"`
	Status        InvitationStatus `bun:"status,notnull" json:"status"`
	Message       string           `bun:"message" json:"message,omitempty"`
	CreatedAt     time.Time        `bun:"created_at,notnull" json:"created_at"`
	ExpiresAt     time.Time        `bun:"expires_at,notnull" json:"expires_at"`
	RespondedAt   *time.Time       `bun:"responded_at,nullzero" json:"responded_at,omitempty"`
}

// EffectiveStatus evaluates expiry lazily: a pending invitation past its
// ExpiresAt is reported as expired.
func (i *Invitation) EffectiveStatus(now time.Time) InvitationStatus {
	if i.Status == InvitationPending && !now.Before(i.ExpiresAt) {
		return InvitationExpired
	}
	return i.Status
}

// IsActionable reports whether the invitation can still be accepted or rejected.
func (i *Invitation) IsActionable(now time.Time) bool {
	return i.EffectiveStatus(now) == InvitationPending
}

// TeacherStudentAssignment is a coaching relationship. Active while EndedAt is nil.
type TeacherStudentAssignment struct {
	bun.BaseModel   `bun:"table:teacher_student_assignments,alias:tsa"`
	ID              uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	TeacherID       uuid.UUID  `bun:"teacher_id,notnull,type:uuid" json:"teacher_id"`
	StudentID       uuid.UUID  `bun:"student_id,notnull,type:uuid" json:"student_id"`
	InstitutionID   *uuid.UUID `bun:"institution_id,type:uuid" json:"institution_id,omitempty"`
	CreatedByUserID uuid.UUID  `bun:"created_by_user_id,notnull,type:uuid" json:"created_by_user_id"`
	StartedAt       time.Time  `bun:"started_at,notnull" json:"started_at"`
	EndedAt         *time.Time `bun:"ended_at,nullzero" json:"ended_at,omitempty"`
}

func (a *TeacherStudentAssignment) IsActive() bool {
	return a.EndedAt == nil
}

// RefreshToken is stored hashed; the raw value is only returned once.
type RefreshToken struct {
	bun.BaseModel `bun:"table:refresh_tokens,alias:rt"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid"`
	UserID        uuid.UUID  `bun:"user_id,notnull,type:uuid"`
	TokenHash     string     `bun:"token_hash,notnull,unique"`
	CreatedByIP   string     `bun:"created_by_ip"`
	CreatedAt     time.Time  `bun:"created_at,notnull"`
	ExpiresAt     time.Time  `bun:"expires_at,notnull"`
	RevokedAt     *time.Time `bun:"revoked_at,nullzero"`
}

func (t *RefreshToken) IsUsable(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

const (
	VerificationRequestedStatus = "requested"
	VerificationUsedStatus      = "used"
)

// EmailVerification is a single use email confirmation token
type EmailVerification struct {
	bun.BaseModel `bun:"table:email_verifications,alias:ev"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid"`
	UserID        uuid.UUID  `bun:"user_id,notnull,type:uuid"`
	TokenHash     string     `bun:"token_hash,notnull,unique"`
	Status        string     `bun:"status,notnull"`
	CreatedAt     time.Time  `bun:"created_at,notnull"`
	UsedAt        *time.Time `bun:"used_at,nullzero"`
}

// UserIdentifier links a user to a subject at an external identity provider
type UserIdentifier struct {
	bun.BaseModel `bun:"table:user_identifiers,alias:uid"`
	ID            uuid.UUID `bun:"id,pk,type:uuid"`
	UserID        uuid.UUID `bun:"user_id,notnull,type:uuid"`
	Provider      string    `bun:"provider,notnull"`
	Identifier    string    `bun:"identifier,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

// ConfigurationEntry is a string encoded runtime flag
type ConfigurationEntry struct {
	bun.BaseModel `bun:"table:configuration_entries,alias:cfg"`
	ID            uuid.UUID `bun:"id,pk,type:uuid"`
	Key           string    `bun:"key,notnull,unique"`
	Value         string    `bun:"value,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,notnull"`
}

// OrphanedSubject records a credential subject whose compensating delete
// failed. Rows are removed once a retry succeeds.
type OrphanedSubject struct {
	bun.BaseModel `bun:"table:orphaned_subjects,alias:orph"`
	ID            uuid.UUID `bun:"id,pk,type:uuid"`
	SubjectID     string    `bun:"subject_id,notnull,unique"`
	Email         string    `bun:"email,notnull"`
	Reason        string    `bun:"reason"`
	Attempts      int       `bun:"attempts,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
	LastAttemptAt time.Time `bun:"last_attempt_at,notnull"`
}

// NormalizeEmail is the canonical form used for storage and comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

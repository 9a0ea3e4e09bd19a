package accounts

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
)

// DefaultPhoneRegion is used to parse phone numbers without a country prefix.
var DefaultPhoneRegion = "US"

// RegisterMessage is the self-service registration payload.
type RegisterMessage struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone_number"`
}

func (r RegisterMessage) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 128)),
		validation.Field(&r.FirstName, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.LastName, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.Phone, validation.By(validPhone)),
	)
}

// RegisterInstitutionMessage registers an institution together with its owner.
type RegisterInstitutionMessage struct {
	RegisterMessage
	InstitutionName string `json:"institution_name"`
	InstitutionType string `json:"institution_type"`
	City            string `json:"city"`
}

func (r RegisterInstitutionMessage) Validate() error {
	if err := r.RegisterMessage.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(&r,
		validation.Field(&r.InstitutionName, validation.Required, validation.Length(2, 200)),
		validation.Field(&r.InstitutionType, validation.Required, validation.Length(1, 60)),
		validation.Field(&r.City, validation.Length(0, 120)),
	)
}

// CreateUserMessage is the admin-initiated provisioning payload.
// InstitutionID scopes the new profile. It is ignored for institution admins,
// who always provision into their own institution.
type CreateUserMessage struct {
	Email         string     `json:"email"`
	FirstName     string     `json:"first_name"`
	LastName      string     `json:"last_name"`
	Phone         string     `json:"phone_number"`
	Role          Role       `json:"role"`
	InstitutionID *uuid.UUID `json:"institution_id,omitempty"`
}

func (r CreateUserMessage) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.FirstName, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.LastName, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.Phone, validation.By(validPhone)),
		validation.Field(&r.Role, validation.Required, validation.By(validRole)),
	)
}

// CreateInvitationMessage proposes a relationship to the invitee.
type CreateInvitationMessage struct {
	InviteeEmail  string         `json:"invitee_email"`
	Type          InvitationType `json:"type"`
	InstitutionID *uuid.UUID     `json:"institution_id,omitempty"`
	TeacherID     *uuid.UUID     `json:"teacher_id,omitempty"`
	Message       string         `json:"message"`
}

func (r CreateInvitationMessage) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.InviteeEmail, validation.Required, is.Email),
		validation.Field(&r.Type, validation.Required, validation.By(func(v any) error {
			if t, ok := v.(InvitationType); ok && t.IsValid() {
				return nil
			}
			return errors.New("unknown invitation type")
		})),
		validation.Field(&r.Message, validation.Length(0, 1000)),
	)
}

// AssignMessage links a teacher and a student directly.
type AssignMessage struct {
	TeacherID uuid.UUID `json:"teacher_id"`
	StudentID uuid.UUID `json:"student_id"`
}

func (r AssignMessage) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.TeacherID, validation.By(notNilUUID)),
		validation.Field(&r.StudentID, validation.By(notNilUUID)),
	)
}

type LoginMessage struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r LoginMessage) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

type ExternalLoginMessage struct {
	Token string `json:"token"`
}

func (r ExternalLoginMessage) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Token, validation.Required),
	)
}

type RefreshMessage struct {
	RefreshToken string `json:"refresh_token"`
}

func (r RefreshMessage) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RefreshToken, validation.Required),
	)
}

type ConfirmEmailMessage struct {
	UserID uuid.UUID `json:"user_id"`
	Token  string    `json:"token"`
}

func (r ConfirmEmailMessage) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.UserID, validation.By(notNilUUID)),
		validation.Field(&r.Token, validation.Required),
	)
}

func validPhone(v any) error {
	s, _ := v.(string)
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if _, err := NormalizePhone(s); err != nil {
		return errors.New("must be a valid phone number")
	}
	return nil
}

func validRole(v any) error {
	r, _ := v.(Role)
	if !r.IsValid() {
		return errors.New("unknown role")
	}
	return nil
}

func notNilUUID(v any) error {
	id, _ := v.(uuid.UUID)
	if id == uuid.Nil {
		return errors.New("cannot be blank")
	}
	return nil
}

// NormalizePhone formats a phone number as E.164. Empty input stays empty.
func NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	num, err := phonenumbers.Parse(raw, DefaultPhoneRegion)
	if err != nil {
		return "", err
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", errors.New("must be a valid phone number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

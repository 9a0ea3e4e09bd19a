package accounts

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
)

const (
	TextCodeUserExists                  = "User.Exists"
	TextCodeUserDuplicate               = "User.Duplicate"
	TextCodeUserNotFound                = "User.NotFound"
	TextCodeSubjectNotFound             = "Subject.NotFound"
	TextCodeInvitationNotFound          = "Invitation.NotFound"
	TextCodeInvitationForbidden         = "Invitation.Forbidden"
	TextCodeInvitationNotPending        = "Invitation.NotPending"
	TextCodeInvitationInvalidTarget     = "Invitation.InvalidTarget"
	TextCodeTeacherNotFound             = "Teacher.NotFound"
	TextCodeStudentNotFound             = "Student.NotFound"
	TextCodeInstitutionNotFound         = "Institution.NotFound"
	TextCodeAssignmentNotFound          = "Assignment.NotFound"
	TextCodeAssignmentExists            = "Assignment.Exists"
	TextCodeDuplicateStudentInvitation  = "AssignStudent.DuplicateInvitation"
	TextCodeDuplicateTeacherInvitation  = "InviteTeacher.DuplicateInvitation"
	TextCodeInviteForbidden             = "Invite.Forbidden"
	TextCodeCreateUserForbidden         = "CreateUser.Forbidden"
	TextCodeAssignmentForbidden         = "Assignment.Forbidden"
	TextCodeUserAdminForbidden          = "ManageUser.Forbidden"
	TextCodeUnauthorized                = "Auth.Unauthorized"
	TextCodeInvalidCredentials          = "Auth.InvalidCredentials"
	TextCodeInvalidExternalToken        = "Auth.InvalidExternalToken"
	TextCodeInvalidRefreshToken         = "Auth.InvalidRefreshToken"
	TextCodeUserInactive                = "Auth.UserInactive"
	TextCodeRegistrationDisabled        = "Identity.RegistrationDisabled"
	TextCodeMaintenanceMode             = "System.MaintenanceMode"
	TextCodeRegistrationFailed          = "Registration.Failed"
	TextCodeCreateUserFailed            = "CreateUser.Failed"
	TextCodeRegistrationInProgress      = "Registration.InProgress"
	TextCodeVerificationInvalid         = "EmailVerification.Invalid"
	TextCodeVerificationExpired         = "EmailVerification.Expired"
	TextCodeInvalidInvitationTransition = "Invitation.InvalidTransition"
	TextCodeValidation                  = "Request.Invalid"
)

// Conflict

var ErrUserExists = goerrors.New("a user with this email already exists", goerrors.CategoryConflict).
	WithTextCode(TextCodeUserExists).
	WithCode(goerrors.CodeConflict)

var ErrUserDuplicate = goerrors.New("the credential authority reported a duplicate user", goerrors.CategoryConflict).
	WithTextCode(TextCodeUserDuplicate).
	WithCode(goerrors.CodeConflict)

var ErrDuplicateStudentInvitation = goerrors.New("a pending invitation for this student already exists", goerrors.CategoryConflict).
	WithTextCode(TextCodeDuplicateStudentInvitation).
	WithCode(goerrors.CodeConflict)

var ErrDuplicateTeacherInvitation = goerrors.New("a pending invitation for this teacher already exists", goerrors.CategoryConflict).
	WithTextCode(TextCodeDuplicateTeacherInvitation).
	WithCode(goerrors.CodeConflict)

var ErrAssignmentExists = goerrors.New("an active assignment already links this teacher and student", goerrors.CategoryConflict).
	WithTextCode(TextCodeAssignmentExists).
	WithCode(goerrors.CodeConflict)

// Not found

var ErrUserNotFound = goerrors.New("user not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeUserNotFound).
	WithCode(goerrors.CodeNotFound)

var ErrSubjectNotFound = goerrors.New("subject not found at the credential authority", goerrors.CategoryNotFound).
	WithTextCode(TextCodeSubjectNotFound).
	WithCode(goerrors.CodeNotFound)

var ErrInvitationNotFound = goerrors.New("invitation not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeInvitationNotFound).
	WithCode(goerrors.CodeNotFound)

var ErrTeacherNotFound = goerrors.New("teacher profile not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeTeacherNotFound).
	WithCode(goerrors.CodeNotFound)

var ErrStudentNotFound = goerrors.New("student profile not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeStudentNotFound).
	WithCode(goerrors.CodeNotFound)

var ErrInstitutionNotFound = goerrors.New("institution not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeInstitutionNotFound).
	WithCode(goerrors.CodeNotFound)

var ErrAssignmentNotFound = goerrors.New("assignment not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeAssignmentNotFound).
	WithCode(goerrors.CodeNotFound)

// Ownership and roles

var ErrInvitationForbidden = goerrors.New("invitation was issued to a different email", goerrors.CategoryAuthz).
	WithTextCode(TextCodeInvitationForbidden).
	WithCode(goerrors.CodeForbidden)

var ErrInviteForbidden = goerrors.New("caller is not allowed to issue this invitation", goerrors.CategoryAuthz).
	WithTextCode(TextCodeInviteForbidden).
	WithCode(goerrors.CodeForbidden)

var ErrCreateUserForbidden = goerrors.New("caller is not allowed to create this user", goerrors.CategoryAuthz).
	WithTextCode(TextCodeCreateUserForbidden).
	WithCode(goerrors.CodeForbidden)

var ErrAssignmentForbidden = goerrors.New("caller is not allowed to manage this assignment", goerrors.CategoryAuthz).
	WithTextCode(TextCodeAssignmentForbidden).
	WithCode(goerrors.CodeForbidden)

var ErrUserAdminForbidden = goerrors.New("caller is not allowed to manage users", goerrors.CategoryAuthz).
	WithTextCode(TextCodeUserAdminForbidden).
	WithCode(goerrors.CodeForbidden)

var ErrUnauthorized = goerrors.New("authentication required", goerrors.CategoryAuth).
	WithTextCode(TextCodeUnauthorized).
	WithCode(goerrors.CodeUnauthorized)

var ErrInvalidCredentials = goerrors.New("invalid email or password", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(goerrors.CodeUnauthorized)

var ErrInvalidExternalToken = goerrors.New("external identity token could not be verified", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidExternalToken).
	WithCode(goerrors.CodeUnauthorized)

var ErrInvalidRefreshToken = goerrors.New("refresh token is invalid or expired", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidRefreshToken).
	WithCode(goerrors.CodeUnauthorized)

// State

var ErrInvitationNotPending = goerrors.New("invitation is no longer pending", goerrors.CategoryConflict).
	WithTextCode(TextCodeInvitationNotPending).
	WithCode(goerrors.CodeConflict)

var ErrInvalidInvitationTransition = goerrors.New("invalid invitation state transition", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidInvitationTransition).
	WithCode(goerrors.CodeBadRequest)

var ErrInvitationInvalidTarget = goerrors.New("invitation target does not match its type", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvitationInvalidTarget).
	WithCode(goerrors.CodeBadRequest)

var ErrVerificationInvalid = goerrors.New("email verification token is invalid", goerrors.CategoryValidation).
	WithTextCode(TextCodeVerificationInvalid).
	WithCode(goerrors.CodeBadRequest)

var ErrVerificationExpired = goerrors.New("email verification token has expired", goerrors.CategoryValidation).
	WithTextCode(TextCodeVerificationExpired).
	WithCode(goerrors.CodeBadRequest)

// Policy

var ErrRegistrationDisabled = goerrors.New("self registration is disabled", goerrors.CategoryAuthz).
	WithTextCode(TextCodeRegistrationDisabled).
	WithCode(goerrors.CodeForbidden)

var ErrMaintenanceMode = goerrors.New("the system is under maintenance", goerrors.CategoryAuthz).
	WithTextCode(TextCodeMaintenanceMode).
	WithCode(goerrors.CodeForbidden)

var ErrUserInactive = goerrors.New("user account is inactive", goerrors.CategoryAuth).
	WithTextCode(TextCodeUserInactive).
	WithCode(goerrors.CodeForbidden)

var ErrConfigReadOnly = goerrors.New("configuration source is read only", goerrors.CategoryOperation)

// Transient

var ErrRegistrationInProgress = goerrors.New("account is still being provisioned, retry shortly", goerrors.CategoryOperation).
	WithTextCode(TextCodeRegistrationInProgress).
	WithCode(goerrors.CodeConflict)

// provisioningFailed builds the infrastructure error returned after a
// compensating delete was attempted. The message states the outcome of the
// compensation so operators know whether a dangling subject remains.
func provisioningFailed(textCode, subjectID string, cause error, compensated bool) error {
	outcome := "compensation succeeded, credential subject removed"
	if !compensated {
		outcome = fmt.Sprintf("compensation FAILED, credential subject %s requires cleanup", subjectID)
	}
	// Wrap clones rich causes, so the category and status are reset here and
	// the cause is kept reachable through Unwrap.
	err := goerrors.Wrap(cause, goerrors.CategoryInternal, "account provisioning failed: "+outcome)
	err.Category = goerrors.CategoryInternal
	err.Source = cause
	return err.
		WithTextCode(textCode).
		WithCode(goerrors.CodeInternal).
		WithMetadata(map[string]any{
			"subject_id":  subjectID,
			"compensated": compensated,
		})
}

func validationFailed(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid request").
		WithTextCode(TextCodeValidation).
		WithCode(goerrors.CodeBadRequest)
}

// TextCode returns the machine readable code carried by err, or an empty
// string when err is not a rich error.
func TextCode(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode
	}
	return ""
}

// HasTextCode reports whether err carries the given text code.
func HasTextCode(err error, code string) bool {
	return err != nil && TextCode(err) == code
}

// HTTPStatus maps an error to the response status used by the controller.
func HTTPStatus(err error) int {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return http.StatusInternalServerError
	}

	switch richErr.Category {
	case goerrors.CategoryValidation, goerrors.CategoryBadInput:
		return http.StatusBadRequest
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		if richErr.TextCode == TextCodeUserInactive {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryOperation:
		if richErr.TextCode == TextCodeRegistrationInProgress {
			return http.StatusConflict
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, sql.ErrNoRows) ||
		repository.IsRecordNotFound(err) ||
		goerrors.IsNotFound(err)
}

// asRichError keeps domain errors intact and wraps anything else as an
// internal failure.
func asRichError(err error, message string) error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, message)
}

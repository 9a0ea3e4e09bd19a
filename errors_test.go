package accounts

import (
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain error", errBoom, http.StatusInternalServerError},
		{"conflict", ErrUserExists, http.StatusConflict},
		{"duplicate invitation", ErrDuplicateStudentInvitation, http.StatusConflict},
		{"not found", ErrInvitationNotFound, http.StatusNotFound},
		{"validation", validationFailed(errBoom), http.StatusBadRequest},
		{"unauthorized", ErrInvalidCredentials, http.StatusUnauthorized},
		{"inactive user", ErrUserInactive, http.StatusForbidden},
		{"forbidden", ErrInviteForbidden, http.StatusForbidden},
		{"registration disabled", ErrRegistrationDisabled, http.StatusForbidden},
		{"registration in progress", ErrRegistrationInProgress, http.StatusConflict},
		{"operation", ErrConfigReadOnly, http.StatusServiceUnavailable},
		{"provisioning failure", provisioningFailed(TextCodeRegistrationFailed, "sub|1", errBoom, true), http.StatusInternalServerError},
		{"wrapped with fmt", fmt.Errorf("accept: %w", ErrInvitationNotPending), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestTextCode(t *testing.T) {
	assert.Equal(t, TextCodeUserExists, TextCode(ErrUserExists))
	assert.Equal(t, TextCodeInvitationNotPending, TextCode(fmt.Errorf("x: %w", ErrInvitationNotPending)))
	assert.Empty(t, TextCode(errBoom))
	assert.Empty(t, TextCode(nil))

	assert.True(t, HasTextCode(ErrAssignmentExists, TextCodeAssignmentExists))
	assert.False(t, HasTextCode(nil, ""))
}

func TestProvisioningFailed(t *testing.T) {
	err := provisioningFailed(TextCodeCreateUserFailed, "auth0|abc", errBoom, false)

	var rich *goerrors.Error
	require.True(t, goerrors.As(err, &rich))
	assert.Equal(t, TextCodeCreateUserFailed, rich.TextCode)
	assert.Equal(t, "auth0|abc", rich.Metadata["subject_id"])
	assert.Equal(t, false, rich.Metadata["compensated"])
	assert.Contains(t, err.Error(), "auth0|abc requires cleanup")
	assert.ErrorIs(t, err, errBoom)

	ok := provisioningFailed(TextCodeRegistrationFailed, "auth0|abc", errBoom, true)
	assert.Contains(t, ok.Error(), "compensation succeeded")
}

func TestProvisioningFailed_OverridesRichCause(t *testing.T) {
	err := provisioningFailed(TextCodeRegistrationFailed, "auth0|abc", ErrUserExists, true)

	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
	assert.Equal(t, TextCodeRegistrationFailed, TextCode(err))
	assert.ErrorIs(t, err, ErrUserExists)

	var rich *goerrors.Error
	require.True(t, goerrors.As(err, &rich))
	assert.Equal(t, goerrors.CategoryInternal, rich.Category)
	assert.Equal(t, goerrors.CodeInternal, rich.Code)

	assert.Equal(t, goerrors.CategoryConflict, ErrUserExists.Category)
	assert.Equal(t, TextCodeUserExists, ErrUserExists.TextCode)
	assert.NotContains(t, ErrUserExists.Metadata, "subject_id")
}

func TestAsRichError(t *testing.T) {
	assert.NoError(t, asRichError(nil, "ignored"))
	assert.Same(t, ErrUserNotFound, asRichError(ErrUserNotFound, "ignored"))

	wrapped := asRichError(errBoom, "load user")
	assert.ErrorIs(t, wrapped, errBoom)
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(wrapped))
}

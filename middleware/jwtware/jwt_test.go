package jwtware_test

import (
	"errors"
	"testing"

	"github.com/goliatone/go-router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-accounts/middleware/jwtware"
)

type stubClaims struct {
	id   string
	role string
}

func (c *stubClaims) UserID() string { return c.id }
func (c *stubClaims) Role() string   { return c.role }

var errRejected = errors.New("token is expired")

type stubValidator map[string]*stubClaims

func (v stubValidator) Validate(token string) (jwtware.AuthClaims, error) {
	if claims, ok := v[token]; ok {
		return claims, nil
	}
	return nil, errRejected
}

func passthrough(_ router.Context, err error) error { return err }

func TestJWTWare_BasicHeaderExtraction(t *testing.T) {
	claims := &stubClaims{id: "u-1", role: "Teacher"}
	handler := jwtware.New(jwtware.Config{
		TokenValidator: stubValidator{"good": claims},
		ErrorHandler:   passthrough,
	})(nil)

	ctx := router.NewMockContext()
	ctx.HeadersM[router.HeaderAuthorization] = "Bearer good"
	ctx.On("Locals", jwtware.DefaultContextKey, claims).Return(nil)

	require.NoError(t, handler(ctx))
	assert.True(t, ctx.NextCalled)
	ctx.AssertExpectations(t)

	stored, ok := jwtware.Claims(ctx, "")
	require.True(t, ok)
	assert.Equal(t, "u-1", stored.UserID())
}

func TestJWTWare_Rejections(t *testing.T) {
	handler := jwtware.New(jwtware.Config{
		TokenValidator: stubValidator{"good": {id: "u-1"}},
		ErrorHandler:   passthrough,
	})(nil)

	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"missing", "", jwtware.ErrJWTMissingOrMalformed},
		{"wrong scheme", "Basic dXNlcjpwYXNz", jwtware.ErrJWTMissingOrMalformed},
		{"scheme without separator", "Bearergood", jwtware.ErrJWTMissingOrMalformed},
		{"rejected token", "Bearer stale", errRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := router.NewMockContext()
			if tt.header != "" {
				ctx.HeadersM[router.HeaderAuthorization] = tt.header
			}

			err := handler(ctx)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, ctx.NextCalled)
			_, ok := jwtware.Claims(ctx, "")
			assert.False(t, ok)
		})
	}
}

func TestJWTWare_CaseInsensitiveScheme(t *testing.T) {
	handler := jwtware.New(jwtware.Config{
		TokenValidator: stubValidator{"good": {id: "u-1"}},
		ErrorHandler:   passthrough,
	})(nil)

	ctx := router.NewMockContext()
	ctx.HeadersM[router.HeaderAuthorization] = "bearer   good "
	ctx.On("Locals", jwtware.DefaultContextKey, mock.Anything).Return(nil)

	require.NoError(t, handler(ctx))
	assert.True(t, ctx.NextCalled)
}

func TestJWTWare_CustomTokenLookup(t *testing.T) {
	handler := jwtware.New(jwtware.Config{
		TokenValidator: stubValidator{"from-cookie": {id: "u-2"}},
		TokenLookup:    "header:X-Access-Token,cookie:access_token",
		ContextKey:     "session",
		ErrorHandler:   passthrough,
	})(nil)

	ctx := router.NewMockContext()
	ctx.CookiesM["access_token"] = "from-cookie"
	ctx.On("Locals", "session", mock.Anything).Return(nil)

	require.NoError(t, handler(ctx))
	claims, ok := jwtware.Claims(ctx, "session")
	require.True(t, ok)
	assert.Equal(t, "u-2", claims.UserID())
}

func TestJWTWare_RequiredRoles(t *testing.T) {
	validator := stubValidator{
		"admin":   {id: "a", role: "SystemAdmin"},
		"student": {id: "s", role: "Student"},
	}
	handler := jwtware.New(jwtware.Config{
		TokenValidator: validator,
		RoleChecker:    func(c jwtware.AuthClaims, role string) bool { return c.Role() == role },
		RequiredRoles:  []string{"SystemAdmin", "InstitutionAdmin"},
		ErrorHandler:   passthrough,
	})(nil)

	ctx := router.NewMockContext()
	ctx.HeadersM[router.HeaderAuthorization] = "Bearer admin"
	ctx.On("Locals", jwtware.DefaultContextKey, mock.Anything).Return(nil)
	require.NoError(t, handler(ctx))
	assert.True(t, ctx.NextCalled)

	ctx = router.NewMockContext()
	ctx.HeadersM[router.HeaderAuthorization] = "Bearer student"
	err := handler(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.False(t, ctx.NextCalled)
}

func TestJWTWare_ValidationListenerCanReject(t *testing.T) {
	blocked := errors.New("account deactivated")
	handler := jwtware.New(jwtware.Config{
		TokenValidator: stubValidator{"good": {id: "u-1"}},
		ValidationListeners: []jwtware.ValidationListener{
			nil,
			func(router.Context, jwtware.AuthClaims) error { return blocked },
		},
		ErrorHandler: passthrough,
	})(nil)

	ctx := router.NewMockContext()
	ctx.HeadersM[router.HeaderAuthorization] = "Bearer good"

	assert.ErrorIs(t, handler(ctx), blocked)
}

func TestJWTWare_DefaultErrorHandler(t *testing.T) {
	handler := jwtware.New(jwtware.Config{
		TokenValidator: stubValidator{},
	})(nil)

	ctx := router.NewMockContext()
	ctx.On("Status", router.StatusBadRequest).Return(ctx)
	ctx.On("SendString", jwtware.ErrJWTMissingOrMalformed.Error()).Return(nil)
	require.NoError(t, handler(ctx))
	assert.Equal(t, router.StatusBadRequest, ctx.StatusCodeM)

	ctx = router.NewMockContext()
	ctx.HeadersM[router.HeaderAuthorization] = "Bearer unknown"
	ctx.On("Status", router.StatusUnauthorized).Return(ctx)
	ctx.On("SendString", "Invalid or expired token").Return(nil)
	require.NoError(t, handler(ctx))
	assert.Equal(t, router.StatusUnauthorized, ctx.StatusCodeM)
}

func TestJWTWare_RequiresValidator(t *testing.T) {
	assert.Panics(t, func() { jwtware.New(jwtware.Config{}) })
}

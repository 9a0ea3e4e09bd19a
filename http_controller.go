package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-accounts/middleware/jwtware"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/google/uuid"
)

// ClaimsContextKey is the Locals key holding the caller's *JWTClaims.
const ClaimsContextKey = "accounts.claims"

// RouteRegistrar captures the router methods used by the controller.
type RouteRegistrar interface {
	Get(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Post(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Delete(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
}

// HTTPController exposes the account services as a JSON API.
type HTTPController struct {
	Provisioner   *Provisioner
	Invitations   *InvitationManager
	Assignments   *AssignmentService
	Authenticator *Authenticator
	Lifecycle     *UserLifecycle
	ConfirmEmail  *ConfirmEmailHandler
	Logger        Logger

	// GoogleProvider is the verifier name used by POST /login/google.
	GoogleProvider string

	registerUser *RegisterUserHandler
	authenticate router.MiddlewareFunc
}

func NewHTTPController(c HTTPController) *HTTPController {
	if c.Logger == nil {
		c.Logger = defLogger{}
	}
	if c.GoogleProvider == "" {
		c.GoogleProvider = "google"
	}
	if c.Provisioner == nil || c.Invitations == nil || c.Authenticator == nil {
		panic("accounts: HTTPController requires provisioner, invitations and authenticator")
	}
	if c.Assignments == nil {
		panic("accounts: HTTPController requires an assignment service")
	}
	ctrl := &c
	ctrl.registerUser = NewRegisterUserHandler(c.Provisioner)
	ctrl.authenticate = jwtware.New(jwtware.Config{
		TokenValidator: c.Authenticator.TokenService().AccessTokenValidator(),
		ContextKey:     ClaimsContextKey,
		ErrorHandler: func(ctx router.Context, err error) error {
			ctrl.Logger.Debug("access token rejected: %v", err)
			return ctrl.renderError(ctx, ErrUnauthorized)
		},
	})
	return ctrl
}

// Authenticate returns the bearer token middleware guarding the protected
// routes. Handlers read the validated claims from ctx.Locals(ClaimsContextKey).
func (c *HTTPController) Authenticate() router.MiddlewareFunc {
	return c.authenticate
}

func (c *HTTPController) RegisterRoutes(r RouteRegistrar) {
	r.Post("/register/student", c.RegisterStudent).SetName("register.student")
	r.Post("/register/teacher", c.RegisterTeacher).SetName("register.teacher")
	r.Post("/register/parent", c.RegisterParent).SetName("register.parent")
	r.Post("/register/institution", c.RegisterInstitution).SetName("register.institution")
	r.Post("/confirm-email", c.ConfirmEmailPost).SetName("confirm-email.post")

	r.Post("/login", c.Login).SetName("login.post")
	r.Post("/login/google", c.LoginGoogle).SetName("login.google")
	r.Post("/token/refresh", c.Refresh).SetName("token.refresh")

	auth := c.authenticate

	r.Post("/admin/students", c.CreateStudent, auth).SetName("admin.students.create")
	r.Post("/admin/teachers", c.CreateTeacher, auth).SetName("admin.teachers.create")
	r.Post("/admin/users", c.CreateUser, auth).SetName("admin.users.create")
	r.Post("/admin/users/:id/activate", c.ActivateUser, auth).SetName("admin.users.activate")
	r.Post("/admin/users/:id/deactivate", c.DeactivateUser, auth).SetName("admin.users.deactivate")
	r.Delete("/admin/users/:id", c.DeleteUser, auth).SetName("admin.users.delete")

	r.Post("/invitations", c.CreateInvitation, auth).SetName("invitations.create")
	r.Get("/invitations/received", c.ListReceivedInvitations, auth).SetName("invitations.received")
	r.Post("/invitations/:id/accept", c.AcceptInvitation, auth).SetName("invitations.accept")
	r.Post("/invitations/:id/reject", c.RejectInvitation, auth).SetName("invitations.reject")

	r.Post("/assignments", c.CreateAssignment, auth).SetName("assignments.create")
	r.Post("/assignments/:id/end", c.EndAssignment, auth).SetName("assignments.end")
}

func (c *HTTPController) RegisterStudent(ctx router.Context) error {
	return c.register(ctx, RoleStudent)
}

func (c *HTTPController) RegisterTeacher(ctx router.Context) error {
	return c.register(ctx, RoleTeacher)
}

func (c *HTTPController) RegisterParent(ctx router.Context) error {
	return c.register(ctx, RoleParent)
}

func (c *HTTPController) RegisterInstitution(ctx router.Context) error {
	return c.register(ctx, RoleInstitutionOwner)
}

func (c *HTTPController) register(ctx router.Context, role Role) error {
	payload := new(RegisterUserMessage)
	if err := ctx.Bind(payload); err != nil {
		return c.renderError(ctx, validationFailed(err))
	}
	payload.Role = role

	var res *ProvisionResult
	payload.OnResponse = func(r *ProvisionResult) { res = r }

	if err := c.registerUser.Execute(ctx.Context(), *payload); err != nil {
		return c.renderError(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, map[string]any{"user_id": res.UserID})
}

func (c *HTTPController) ConfirmEmailPost(ctx router.Context) error {
	if c.ConfirmEmail == nil {
		return c.renderError(ctx, ErrVerificationInvalid)
	}
	payload := new(ConfirmEmailMessage)
	if err := ctx.Bind(payload); err != nil {
		return c.renderError(ctx, validationFailed(err))
	}
	if err := c.ConfirmEmail.Execute(ctx.Context(), *payload); err != nil {
		return c.renderError(ctx, err)
	}
	return ctx.JSON(router.StatusOK, map[string]any{"confirmed": true})
}

func (c *HTTPController) Login(ctx router.Context) error {
	payload := new(LoginMessage)
	if err := ctx.Bind(payload); err != nil {
		return c.renderError(ctx, validationFailed(err))
	}
	pair, err := c.Authenticator.Login(ctx.Context(), *payload, ctx.IP())
	if err != nil {
		return c.renderError(ctx, err)
	}
	return ctx.JSON(router.StatusOK, pair)
}

func (c *HTTPController) LoginGoogle(ctx router.Context) error {
	payload := new(ExternalLoginMessage)
	if err := ctx.Bind(payload); err != nil {
		return c.renderError(ctx, validationFailed(err))
	}
	pair, err := c.Authenticator.LoginWithExternal(ctx.Context(), c.GoogleProvider, payload.Token, ctx.IP())
	if err != nil {
		return c.renderError(ctx, err)
	}
	return ctx.JSON(router.StatusOK, pair)
}

func (c *HTTPController) Refresh(ctx router.Context) error {
	payload := new(RefreshMessage)
	if err := ctx.Bind(payload); err != nil {
		return c.renderError(ctx, validationFailed(err))
	}
	pair, err := c.Authenticator.Refresh(ctx.Context(), *payload, ctx.IP())
	if err != nil {
		return c.renderError(ctx, err)
	}
	return ctx.JSON(router.StatusOK, pair)
}

func (c *HTTPController) CreateStudent(ctx router.Context) error {
	return c.createUser(ctx, c.Provisioner.CreateStudent)
}

func (c *HTTPController) CreateTeacher(ctx router.Context) error {
	return c.createUser(ctx, c.Provisioner.CreateTeacher)
}

func (c *HTTPController) CreateUser(ctx router.Context) error {
	return c.createUser(ctx, c.Provisioner.CreateUser)
}

func (c *HTTPController) createUser(ctx router.Context, fn func(context.Context, Actor, CreateUserMessage) (*ProvisionResult, error)) error {
	actor, err := c.actor(ctx)
	if err != nil {
		return c.renderError(ctx, err)
	}
	payload := new(CreateUserMessage)
	if err := ctx.Bind(payload); err != nil {
		return c.renderError(ctx, validationFailed(err))
	}
	res, err := fn(ctx.Context(), actor, *payload)
	if err != nil {
		return c.renderError(ctx, err)
	}
	// the temporary password travels only in the UserCreated event
	return ctx.JSON(http.StatusCreated, map[string]any{"user_id": res.UserID})
}

func (c *HTTPController) ActivateUser(ctx router.Context) error {
	return c.lifecycle(ctx, func(ctx context.Context, actor Actor, id uuid.UUID) error {
		return c.Lifecycle.Activate(ctx, actor, id)
	})
}

func (c *HTTPController) DeactivateUser(ctx router.Context) error {
	return c.lifecycle(ctx, func(ctx context.Context, actor Actor, id uuid.UUID) error {
		return c.Lifecycle.Deactivate(ctx, actor, id)
	})
}

func (c *HTTPController) DeleteUser(ctx router.Context) error {
	return c.lifecycle(ctx, func(ctx context.Context, actor Actor, id uuid.UUID) error {
		return c.Lifecycle.DeletePermanently(ctx, actor, id)
	})
}

func (c *HTTPController) lifecycle(ctx router.Context, fn func(context.Context, Actor, uuid.UUID) error) error {
	if c.Lifecycle == nil {
		return c.renderError(ctx, ErrUserAdminForbidden)
	}
	actor, err := c.actor(ctx)
	if err != nil {
		return c.renderError(ctx, err)
	}
	id, err := c.paramID(ctx)
	if err != nil {
		return c.renderError(ctx, err)
	}
	if err := fn(ctx.Context(), actor, id); err != nil {
		return c.renderError(ctx, err)
	}
	return ctx.JSON(router.StatusOK, map[string]any{"user_id": id})
}

func (c *HTTPController) CreateInvitation(ctx router.Context) error {
	actor, err := c.actor(ctx)
	if err != nil {
		return c.renderError(ctx, err)
	}
	payload := new(CreateInvitationMessage)
	if err := ctx.Bind(payload); err != nil {
		return c.renderError(ctx, validationFailed(err))
	}
	inv, err := c.Invitations.Create(ctx.Context(), actor, *payload)
	if err != nil {
		return c.renderError(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, inv)
}

func (c *HTTPController) ListReceivedInvitations(ctx router.Context) error {
	actor, err := c.actor(ctx)
	if err != nil {
		return c.renderError(ctx, err)
	}
	records, err := c.Invitations.ListReceived(ctx.Context(), actor)
	if err != nil {
		return c.renderError(ctx, err)
	}
	return ctx.JSON(router.StatusOK, map[string]any{"invitations": records})
}

func (c *HTTPController) AcceptInvitation(ctx router.Context) error {
	return c.respondInvitation(ctx, c.Invitations.Accept)
}

func (c *HTTPController) RejectInvitation(ctx router.Context) error {
	return c.respondInvitation(ctx, c.Invitations.Reject)
}

func (c *HTTPController) respondInvitation(ctx router.Context, fn func(context.Context, Actor, uuid.UUID) (*Invitation, error)) error {
	actor, err := c.actor(ctx)
	if err != nil {
		return c.renderError(ctx, err)
	}
	id, err := c.paramID(ctx)
	if err != nil {
		return c.renderError(ctx, err)
	}
	inv, err := fn(ctx.Context(), actor, id)
	if err != nil {
		return c.renderError(ctx, err)
	}
	return ctx.JSON(router.StatusOK, inv)
}

func (c *HTTPController) CreateAssignment(ctx router.Context) error {
	actor, err := c.actor(ctx)
	if err != nil {
		return c.renderError(ctx, err)
	}
	payload := new(AssignMessage)
	if err := ctx.Bind(payload); err != nil {
		return c.renderError(ctx, validationFailed(err))
	}
	a, err := c.Assignments.Assign(ctx.Context(), actor, *payload)
	if err != nil {
		return c.renderError(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, a)
}

func (c *HTTPController) EndAssignment(ctx router.Context) error {
	actor, err := c.actor(ctx)
	if err != nil {
		return c.renderError(ctx, err)
	}
	id, err := c.paramID(ctx)
	if err != nil {
		return c.renderError(ctx, err)
	}
	a, err := c.Assignments.End(ctx.Context(), actor, id)
	if err != nil {
		return c.renderError(ctx, err)
	}
	return ctx.JSON(router.StatusOK, a)
}

// actor reads the claims stored by the authenticate middleware.
func (c *HTTPController) actor(ctx router.Context) (Actor, error) {
	raw, ok := jwtware.Claims(ctx, ClaimsContextKey)
	if !ok {
		return Actor{}, ErrUnauthorized
	}
	claims, ok := raw.(*JWTClaims)
	if !ok {
		return Actor{}, ErrUnauthorized
	}
	return claims.Actor()
}

func (c *HTTPController) paramID(ctx router.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		return uuid.Nil, validationFailed(fmt.Errorf("id: %w", err))
	}
	return id, nil
}

func (c *HTTPController) renderError(ctx router.Context, err error) error {
	status := HTTPStatus(err)

	message := "internal error"
	var details map[string]any
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		message = richErr.Message
		details = richErr.Metadata
		if cause := errors.Unwrap(richErr); cause != nil && richErr.Category == goerrors.CategoryValidation {
			message = fmt.Sprintf("%s: %v", richErr.Message, cause)
		}
	}

	if status >= 500 {
		c.Logger.Error("request failed: %v details=%s", err, print.MaybePrettyJSON(details))
	}

	return ctx.JSON(status, map[string]string{
		"code":    TextCode(err),
		"message": message,
	})
}

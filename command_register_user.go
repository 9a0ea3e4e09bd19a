package accounts

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
)

// RegisterUserMessage is the command form of a self-service registration.
// Role selects the profile; RoleInstitutionOwner registers an institution.
type RegisterUserMessage struct {
	Role            Role   `json:"-"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Email           string `json:"email"`
	Phone           string `json:"phone_number"`
	Password        string `json:"password"`
	InstitutionName string `json:"institution_name,omitempty"`
	InstitutionType string `json:"institution_type,omitempty"`
	City            string `json:"city,omitempty"`

	OnResponse func(*ProvisionResult) `json:"-"`
}

func (e RegisterUserMessage) Type() string { return "user.register" }

type RegisterUserHandler struct {
	provisioner *Provisioner
}

func NewRegisterUserHandler(p *Provisioner) *RegisterUserHandler {
	return &RegisterUserHandler{provisioner: p}
}

func (h *RegisterUserHandler) Execute(ctx context.Context, event RegisterUserMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during user registration",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *RegisterUserHandler) execute(ctx context.Context, event RegisterUserMessage) error {
	base := RegisterMessage{
		Email:     event.Email,
		Password:  event.Password,
		FirstName: event.FirstName,
		LastName:  event.LastName,
		Phone:     event.Phone,
	}

	var (
		res *ProvisionResult
		err error
	)

	switch event.Role {
	case RoleStudent:
		res, err = h.provisioner.RegisterStudent(ctx, base)
	case RoleTeacher:
		res, err = h.provisioner.RegisterTeacher(ctx, base)
	case RoleParent:
		res, err = h.provisioner.RegisterParent(ctx, base)
	case RoleInstitutionOwner:
		res, err = h.provisioner.RegisterInstitution(ctx, RegisterInstitutionMessage{
			RegisterMessage: base,
			InstitutionName: event.InstitutionName,
			InstitutionType: event.InstitutionType,
			City:            event.City,
		})
	default:
		return goerrors.New("unknown registration type", goerrors.CategoryBadInput).
			WithTextCode(TextCodeValidation).
			WithCode(goerrors.CodeBadRequest)
	}

	if err != nil {
		return asRichError(err, "user registration failed")
	}

	if event.OnResponse != nil {
		event.OnResponse(res)
	}

	return nil
}

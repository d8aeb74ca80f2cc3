package account

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/karo/core"
)

// Roles
const (
	RoleAdmin  = "admin"
	RoleParent = "parent"
)

var AllRoles = []string{RoleAdmin, RoleParent}

type Role struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

var Roles = []Role{
	{Name: "Parent", Value: RoleParent},
	{Name: "Admin", Value: RoleAdmin},
}

type User struct {
	ID           string    `json:"id"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Email        string    `json:"email"`
	PhoneNumber  string    `json:"phone_number"`
	IsActive     *bool     `json:"is_active"`
	Roles        []string  `json:"roles"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"` // UTC
	UpdatedAt    time.Time `json:"updated_at"` // UTC
	LastLogin    time.Time `json:"last_login"` // UTC
}

func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (u *User) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

func (u *User) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(pwd))
}

func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (u *User) IsAdmin() bool  { return u.HasRole(RoleAdmin) }
func (u *User) IsParent() bool { return u.HasRole(RoleParent) }

// RegisterParent contains information needed to self-register a parent account.
type RegisterParent struct {
	FirstName       string `json:"first_name" validate:"required"`
	LastName        string `json:"last_name" validate:"required"`
	Email           string `json:"email" validate:"required,email"`
	PhoneNumber     string `json:"phone_number" validate:"omitempty,min=7"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

func (rp *RegisterParent) Validate(ctx context.Context, validate *validator.Validate, svc Service) error {
	rp.FirstName = core.CleanString(rp.FirstName)
	rp.LastName = core.CleanString(rp.LastName)
	rp.Email = core.CleanString(rp.Email, true /* lower */)
	rp.PhoneNumber = core.CleanString(rp.PhoneNumber)

	if err := validate.Struct(rp); err != nil {
		return err
	}
	return svc.CheckUniqueness(ctx, rp.Email)
}

// NewUser contains information needed to create a new User of any role.
type NewUser struct {
	FirstName       string   `json:"first_name" validate:"required"`
	LastName        string   `json:"last_name" validate:"required"`
	Email           string   `json:"email" validate:"required,email"`
	PhoneNumber     string   `json:"phone_number" validate:"omitempty,min=7"`
	Password        string   `json:"password" validate:"required"`
	PasswordConfirm string   `json:"password_confirm" validate:"required,eqfield=Password"`
	Roles           []string `json:"roles" validate:"omitempty,allroles"`
}

func (nu *NewUser) Validate(ctx context.Context, validate *validator.Validate, svc Service) error {
	nu.FirstName = core.CleanString(nu.FirstName)
	nu.LastName = core.CleanString(nu.LastName)
	nu.Email = core.CleanString(nu.Email, true /* lower */)
	nu.PhoneNumber = core.CleanString(nu.PhoneNumber)

	if err := validate.Struct(nu); err != nil {
		return err
	}
	return svc.CheckUniqueness(ctx, nu.Email)
}

// UpdateAccount defines what information may be provided to modify an existing User.
type UpdateAccount struct {
	FirstName       string   `json:"first_name"`
	LastName        string   `json:"last_name"`
	Email           string   `json:"email" validate:"omitempty,email"`
	PhoneNumber     string   `json:"phone_number" validate:"omitempty,min=7"`
	IsActive        *bool    `json:"is_active"`
	Roles           []string `json:"roles" validate:"omitempty,allroles"`
	Password        string   `json:"password" validate:"omitempty"`
	PasswordConfirm string   `json:"password_confirm" validate:"required_with=Password,eqfield=Password"`
}

func (ua *UpdateAccount) Validate(ctx context.Context, validate *validator.Validate, origUsr User, svc Service) error {
	if first := core.CleanString(ua.FirstName); first != "" {
		ua.FirstName = first
	} else {
		ua.FirstName = origUsr.FirstName
	}
	if last := core.CleanString(ua.LastName); last != "" {
		ua.LastName = last
	} else {
		ua.LastName = origUsr.LastName
	}
	if email := core.CleanString(ua.Email, true /* lower */); email != "" {
		ua.Email = email
	} else {
		ua.Email = origUsr.Email
	}
	if phone := core.CleanString(ua.PhoneNumber); phone != "" {
		ua.PhoneNumber = phone
	}

	if err := validate.Struct(ua); err != nil {
		return err
	}
	return svc.CheckUniqueness(ctx, ua.Email, origUsr)
}

type ResetUserPassword struct {
	Token           string `json:"token,omitempty" validate:"required"`
	UID             string `json:"uid,omitempty" validate:"required"`
	Password        string `json:"password,omitempty" validate:"required"`
	PasswordConfirm string `json:"password_confirm,omitempty" validate:"required,eqfield=Password"`
}

func (rp ResetUserPassword) Validate(validate *validator.Validate) error {
	return validate.Struct(rp)
}

// GetFilter looks a User up by exactly one of its fields.
type GetFilter struct {
	ID    string
	Email string
}

// QueryFilter applies an AND operation on its non-zero fields.
// Search does a case-insensitive match on one of FirstName, LastName or Email.
type QueryFilter struct {
	Search      string    `query:"search"`
	Roles       []string  `query:"role"`
	IsActive    *bool     `query:"is_active"`
	CreatedFrom time.Time `query:"created_from"`
	CreatedTo   time.Time `query:"created_to"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.Search == "" && qf.Roles == nil && qf.IsActive == nil && qf.CreatedFrom.IsZero() && qf.CreatedTo.IsZero()
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
}

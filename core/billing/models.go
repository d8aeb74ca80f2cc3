package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/karo/core"
)

// Invoice statuses
const (
	StatusUnpaid        = "UNPAID"
	StatusPartiallyPaid = "PARTIALLY_PAID"
	StatusPaid          = "PAID"
)

// StatusFor derives an invoice status from its amount and what has been
// paid so far.
func StatusFor(amount, paid int64) string {
	switch {
	case paid <= 0:
		return StatusUnpaid
	case paid < amount:
		return StatusPartiallyPaid
	default:
		return StatusPaid
	}
}

// FormatAmount renders an amount in minor units (cents) as a human
// readable string, e.g. "KES 1500.00".
func FormatAmount(amount int64, currency string) string {
	return fmt.Sprintf("%s %.2f", currency, float64(amount)/100)
}

type Student struct {
	ID              string      `json:"id"`
	FirstName       string      `json:"first_name"`
	LastName        string      `json:"last_name"`
	AdmissionNumber string      `json:"admission_number"`
	ClassName       string      `json:"class_name"`
	ParentEmail     string      `json:"parent_email"`
	ParentID        null.String `json:"parent_id"`
	CreatedAt       time.Time   `json:"created_at"` // UTC
	UpdatedAt       time.Time   `json:"updated_at"` // UTC
}

func (s *Student) FullName() string {
	return s.FirstName + " " + s.LastName
}

// IsLinked reports whether the student has been claimed by a parent account.
func (s *Student) IsLinked() bool { return s.ParentID.Valid }

type Invoice struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"student_id"`
	Term        string    `json:"term"`
	Description string    `json:"description"`
	Amount      int64     `json:"amount"`      // minor units (cents)
	AmountPaid  int64     `json:"amount_paid"` // minor units (cents)
	Status      string    `json:"status"`
	DueDate     time.Time `json:"due_date"`
	Version     int       `json:"-"`
	CreatedAt   time.Time `json:"created_at"` // UTC
	UpdatedAt   time.Time `json:"updated_at"` // UTC
}

// Balance is what remains to be paid, in minor units.
func (inv *Invoice) Balance() int64 { return inv.Amount - inv.AmountPaid }

// Recompute refreshes the derived Status from Amount and AmountPaid.
func (inv *Invoice) Recompute() { inv.Status = StatusFor(inv.Amount, inv.AmountPaid) }

func (inv *Invoice) IsSettled() bool { return inv.Status == StatusPaid }

type Payment struct {
	ID        string    `json:"id"`
	InvoiceID string    `json:"invoice_id"`
	StudentID string    `json:"student_id"`
	Amount    int64     `json:"amount"` // minor units (cents)
	Reference string    `json:"reference"`
	CreatedAt time.Time `json:"created_at"` // UTC
}

// NewStudent contains information needed to register a new Student.
type NewStudent struct {
	FirstName       string `json:"first_name" validate:"required"`
	LastName        string `json:"last_name" validate:"required"`
	AdmissionNumber string `json:"admission_number" validate:"required,alphanum_"`
	ClassName       string `json:"class_name"`
	ParentEmail     string `json:"parent_email" validate:"omitempty,email"`
}

func (ns *NewStudent) Validate(ctx context.Context, validate *validator.Validate, svc Service) error {
	ns.FirstName = core.CleanString(ns.FirstName)
	ns.LastName = core.CleanString(ns.LastName)
	ns.AdmissionNumber = core.CleanString(ns.AdmissionNumber, true /* lower */)
	ns.ClassName = core.CleanString(ns.ClassName)
	ns.ParentEmail = core.CleanString(ns.ParentEmail, true /* lower */)

	if err := validate.Struct(ns); err != nil {
		return err
	}
	return svc.CheckAdmissionNumberUniqueness(ctx, ns.AdmissionNumber)
}

// UpdateStudent defines what information may be provided to modify an existing Student.
type UpdateStudent struct {
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	AdmissionNumber string `json:"admission_number" validate:"omitempty,alphanum_"`
	ClassName       string `json:"class_name"`
	ParentEmail     string `json:"parent_email" validate:"omitempty,email"`
}

func (us *UpdateStudent) Validate(ctx context.Context, validate *validator.Validate, origStd Student, svc Service) error {
	if first := core.CleanString(us.FirstName); first != "" {
		us.FirstName = first
	} else {
		us.FirstName = origStd.FirstName
	}
	if last := core.CleanString(us.LastName); last != "" {
		us.LastName = last
	} else {
		us.LastName = origStd.LastName
	}
	if admNo := core.CleanString(us.AdmissionNumber, true /* lower */); admNo != "" {
		us.AdmissionNumber = admNo
	} else {
		us.AdmissionNumber = origStd.AdmissionNumber
	}
	if class := core.CleanString(us.ClassName); class != "" {
		us.ClassName = class
	} else {
		us.ClassName = origStd.ClassName
	}
	us.ParentEmail = core.CleanString(us.ParentEmail, true /* lower */)

	if err := validate.Struct(us); err != nil {
		return err
	}
	return svc.CheckAdmissionNumberUniqueness(ctx, us.AdmissionNumber, origStd)
}

// LinkParent attaches a student to the parent account matching the given email.
type LinkParent struct {
	Email string `json:"email" validate:"required,email"`
}

func (lp *LinkParent) Validate(validate *validator.Validate) error {
	lp.Email = core.CleanString(lp.Email, true /* lower */)
	return validate.Struct(lp)
}

// NewInvoice contains information needed to issue a new Invoice.
type NewInvoice struct {
	StudentID   string    `json:"student_id" validate:"required"`
	Term        string    `json:"term" validate:"required"`
	Description string    `json:"description"`
	Amount      int64     `json:"amount" validate:"required,gt=0"` // minor units (cents)
	DueDate     time.Time `json:"due_date"`
}

func (ni *NewInvoice) Validate(validate *validator.Validate) error {
	ni.Term = core.CleanString(ni.Term)
	ni.Description = core.CleanString(ni.Description)
	return validate.Struct(ni)
}

// NewPayment contains information needed to apply a payment to an Invoice.
// Reference is the gateway transaction reference and must be unique.
type NewPayment struct {
	InvoiceID string `json:"invoice_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"` // minor units (cents)
	Reference string `json:"reference" validate:"required"`
}

func (np *NewPayment) Validate(validate *validator.Validate) error {
	np.Reference = core.CleanString(np.Reference)
	return validate.Struct(np)
}

// GetStudentFilter looks a Student up by exactly one of its fields.
type GetStudentFilter struct {
	ID              string
	AdmissionNumber string
}

// StudentFilter applies an AND operation on its non-zero fields.
// Search does a case-insensitive match on one of FirstName, LastName or
// AdmissionNumber. PendingEmail matches unlinked students whose
// ParentEmail equals the given email (case-insensitive).
type StudentFilter struct {
	Search       string `query:"search"`
	ClassName    string `query:"class_name"`
	ParentID     string `query:"-"`
	PendingEmail string `query:"-"`
}

func (sf *StudentFilter) IsEmpty() bool {
	return sf.Search == "" && sf.ClassName == "" && sf.ParentID == "" && sf.PendingEmail == ""
}

func (sf *StudentFilter) Clean() {
	sf.Search = core.CleanString(sf.Search)
	sf.ClassName = core.CleanString(sf.ClassName)
	sf.PendingEmail = core.CleanString(sf.PendingEmail, true /* lower */)
}

// InvoiceFilter applies an AND operation on its non-zero fields.
type InvoiceFilter struct {
	StudentID string `query:"student_id"`
	ParentID  string `query:"-"`
	Status    string `query:"status"`
}

func (f *InvoiceFilter) IsEmpty() bool {
	return f.StudentID == "" && f.ParentID == "" && f.Status == ""
}

// PaymentFilter applies an AND operation on its non-zero fields.
type PaymentFilter struct {
	InvoiceID string `query:"invoice_id"`
	StudentID string `query:"student_id"`
	ParentID  string `query:"-"`
	Reference string `query:"reference"`
}

func (f *PaymentFilter) IsEmpty() bool {
	return f.InvoiceID == "" && f.StudentID == "" && f.ParentID == "" && f.Reference == ""
}

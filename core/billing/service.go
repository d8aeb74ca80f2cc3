package billing

import (
	"context"
	"net/mail"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/account"
)

var (
	// errors
	ErrStudentNotFound       = errors.New("student not found")
	ErrInvoiceNotFound       = errors.New("invoice not found")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrParentNotFound        = errors.New("parent not found")
	ErrAdmissionNumberExists = errors.New("a student with this admission number already exists")
	ErrInvoiceSettled        = errors.New("invoice is already settled")
	ErrOverpayment           = errors.New("payment exceeds the invoice balance")
	ErrDuplicateReference    = errors.New("a payment with this reference already exists")
	ErrUpdateConflict        = errors.New("invoice was modified concurrently, try again")
)

// IsNotFound reports whether err is one of the billing not-found sentinels.
func IsNotFound(err error) bool {
	switch errors.Cause(err) {
	case ErrStudentNotFound, ErrInvoiceNotFound, ErrPaymentNotFound, ErrParentNotFound:
		return true
	}
	return false
}

// IsConflict reports whether err is one of the billing conflict sentinels.
func IsConflict(err error) bool {
	switch errors.Cause(err) {
	case ErrAdmissionNumberExists, ErrInvoiceSettled, ErrOverpayment, ErrDuplicateReference, ErrUpdateConflict:
		return true
	}
	return false
}

// settleRetries bounds the optimistic locking retry loop in ApplyPayment.
const settleRetries = 3

type (
	Repository interface {
		CheckAdmissionNumberUniqueness(ctx context.Context, admNo string, excludedStudents []Student, exec ...core.DBExecutor) error
		CreateStudent(ctx context.Context, std Student, exec ...core.DBExecutor) (Student, error)
		GetStudent(ctx context.Context, filter GetStudentFilter, exec ...core.DBExecutor) (Student, error)
		// QueryStudents applies an AND operation on available StudentFilter fields.
		QueryStudents(ctx context.Context, filter *StudentFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]Student, error)
		UpdateStudent(ctx context.Context, std Student, exec ...core.DBExecutor) (Student, error)
		// SetStudentParent claims a student for a parent account.
		SetStudentParent(ctx context.Context, studentID string, parentID null.String, exec ...core.DBExecutor) (Student, error)
		// DeleteStudentsByID also removes the students' invoices and payments.
		DeleteStudentsByID(ctx context.Context, ids []string, exec ...core.DBExecutor) (int, error)

		CreateInvoice(ctx context.Context, inv Invoice, exec ...core.DBExecutor) (Invoice, error)
		GetInvoice(ctx context.Context, id string, exec ...core.DBExecutor) (Invoice, error)
		QueryInvoices(ctx context.Context, filter *InvoiceFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]Invoice, error)

		GetPayment(ctx context.Context, id string, exec ...core.DBExecutor) (Payment, error)
		GetPaymentByReference(ctx context.Context, ref string, exec ...core.DBExecutor) (Payment, error)
		QueryPayments(ctx context.Context, filter *PaymentFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]Payment, error)
		// SettlePayment persists inv and pmt atomically. The invoice row is
		// only written if its stored version still matches inv.Version;
		// otherwise ErrUpdateConflict is returned and nothing is written.
		SettlePayment(ctx context.Context, inv Invoice, pmt Payment, exec ...core.DBExecutor) (Invoice, Payment, error)
	}

	// ParentDirectory resolves parent accounts. account.Service satisfies it.
	ParentDirectory interface {
		GetByID(ctx context.Context, id string) (account.User, error)
		GetByEmail(ctx context.Context, email string) (account.User, error)
	}

	Service interface {
		CheckAdmissionNumberUniqueness(ctx context.Context, admNo string, exclStudents ...Student) error
		CreateStudent(ctx context.Context, ns NewStudent) (Student, error)
		GetStudent(ctx context.Context, caller Caller, id string) (Student, error)
		QueryStudents(ctx context.Context, caller Caller, filter *StudentFilter, ordering ...core.DBOrdering) ([]Student, error)
		UpdateStudent(ctx context.Context, id string, us UpdateStudent) (Student, error)
		DeleteStudents(ctx context.Context, ids ...string) error
		LinkParent(ctx context.Context, studentID string, lp LinkParent) (Student, error)
		LinkParentStudents(ctx context.Context, parentID, email string) (int, error)

		CreateInvoice(ctx context.Context, ni NewInvoice) (Invoice, error)
		GetInvoice(ctx context.Context, caller Caller, id string) (Invoice, error)
		QueryInvoices(ctx context.Context, caller Caller, filter *InvoiceFilter, ordering ...core.DBOrdering) ([]Invoice, error)

		ApplyPayment(ctx context.Context, caller Caller, np NewPayment) (Invoice, Payment, error)
		QueryPayments(ctx context.Context, caller Caller, filter *PaymentFilter, ordering ...core.DBOrdering) ([]Payment, error)
	}

	service struct {
		db      core.DB
		repo    Repository
		parents ParentDirectory
		mailSvc core.EmailService
		conf    *core.Config
	}
)

var (
	_ Service        = (*service)(nil)
	_ account.Linker = (*service)(nil)
)

func NewService(db core.DB, repo Repository, parents ParentDirectory, mailSvc core.EmailService, conf *core.Config) Service {
	return &service{
		db:      db,
		repo:    repo,
		parents: parents,
		mailSvc: mailSvc,
		conf:    conf,
	}
}

func (svc *service) CheckAdmissionNumberUniqueness(ctx context.Context, admNo string, exclStudents ...Student) error {
	if err := svc.repo.CheckAdmissionNumberUniqueness(ctx, admNo, exclStudents); err != nil {
		if errors.Cause(err) == ErrAdmissionNumberExists {
			return core.NewConflictError(err, core.FieldError{Field: "admission_number", Error: err.Error()})
		}
		return err
	}
	return nil
}

// Students

func (svc *service) CreateStudent(ctx context.Context, ns NewStudent) (Student, error) {
	now := time.Now().UTC()
	std := Student{
		FirstName:       ns.FirstName,
		LastName:        ns.LastName,
		AdmissionNumber: ns.AdmissionNumber,
		ClassName:       ns.ClassName,
		ParentEmail:     ns.ParentEmail,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// a matching parent account may already exist; claim the student now
	if std.ParentEmail != "" {
		usr, err := svc.parents.GetByEmail(ctx, std.ParentEmail)
		switch errors.Cause(err) {
		case nil:
			if usr.IsParent() {
				std.ParentID = null.StringFrom(usr.ID)
			}
		case account.ErrNotFound:
			// stays pending until the parent registers
		default:
			return Student{}, err
		}
	}

	return svc.repo.CreateStudent(ctx, std)
}

func (svc *service) GetStudent(ctx context.Context, caller Caller, id string) (Student, error) {
	std, err := svc.repo.GetStudent(ctx, GetStudentFilter{ID: id})
	if err != nil {
		return Student{}, err
	}
	if err = Authorize(caller, OpStudentRead, std.ParentID); err != nil {
		return Student{}, err
	}
	return std, nil
}

func (svc *service) QueryStudents(ctx context.Context, caller Caller, filter *StudentFilter, ordering ...core.DBOrdering) ([]Student, error) {
	if !caller.Admin {
		// parents only ever see their own students
		if filter == nil {
			filter = new(StudentFilter)
		}
		filter.ParentID = caller.ID
	}
	return svc.repo.QueryStudents(ctx, filter, ordering)
}

func (svc *service) UpdateStudent(ctx context.Context, id string, us UpdateStudent) (Student, error) {
	orig, err := svc.repo.GetStudent(ctx, GetStudentFilter{ID: id})
	if err != nil {
		return Student{}, err
	}

	std := Student{
		ID:              id,
		FirstName:       us.FirstName,
		LastName:        us.LastName,
		AdmissionNumber: us.AdmissionNumber,
		ClassName:       us.ClassName,
		ParentEmail:     orig.ParentEmail,
		ParentID:        orig.ParentID,
		CreatedAt:       orig.CreatedAt,
		UpdatedAt:       time.Now().UTC(),
	}

	// a new parent email resets the link and re-resolves
	if us.ParentEmail != "" && us.ParentEmail != orig.ParentEmail {
		std.ParentEmail = us.ParentEmail
		std.ParentID = null.String{}
		usr, err := svc.parents.GetByEmail(ctx, us.ParentEmail)
		switch errors.Cause(err) {
		case nil:
			if usr.IsParent() {
				std.ParentID = null.StringFrom(usr.ID)
			}
		case account.ErrNotFound:
		default:
			return Student{}, err
		}
	}

	return svc.repo.UpdateStudent(ctx, std)
}

func (svc *service) DeleteStudents(ctx context.Context, ids ...string) error {
	_, err := svc.repo.DeleteStudentsByID(ctx, ids)
	return err
}

// LinkParent attaches a student to an existing parent account by email.
// Unlike the deferred path, the account must already exist.
func (svc *service) LinkParent(ctx context.Context, studentID string, lp LinkParent) (Student, error) {
	std, err := svc.repo.GetStudent(ctx, GetStudentFilter{ID: studentID})
	if err != nil {
		return Student{}, err
	}

	usr, err := svc.parents.GetByEmail(ctx, lp.Email)
	if err != nil {
		if errors.Cause(err) == account.ErrNotFound {
			return Student{}, ErrParentNotFound
		}
		return Student{}, err
	}
	if !usr.IsParent() {
		return Student{}, ErrParentNotFound
	}

	// one write: the claimed email and the resolved parent change together
	std.ParentEmail = lp.Email
	std.ParentID = null.StringFrom(usr.ID)
	std.UpdatedAt = time.Now().UTC()
	return svc.repo.UpdateStudent(ctx, std)
}

// LinkParentStudents claims all unlinked students whose parent email
// matches the given account email. It is idempotent and safe to run on
// every registration; students linked by an earlier run no longer match
// the pending filter.
func (svc *service) LinkParentStudents(ctx context.Context, parentID, email string) (int, error) {
	pending, err := svc.repo.QueryStudents(ctx, &StudentFilter{PendingEmail: email}, nil)
	if err != nil {
		return 0, err
	}

	var linked int
	for _, std := range pending {
		if _, err = svc.repo.SetStudentParent(ctx, std.ID, null.StringFrom(parentID)); err != nil {
			return linked, errors.Wrapf(err, "linking student %s", std.ID)
		}
		linked++
	}
	return linked, nil
}

// Invoices

func (svc *service) CreateInvoice(ctx context.Context, ni NewInvoice) (Invoice, error) {
	std, err := svc.repo.GetStudent(ctx, GetStudentFilter{ID: ni.StudentID})
	if err != nil {
		return Invoice{}, err
	}

	now := time.Now().UTC()
	inv := Invoice{
		StudentID:   std.ID,
		Term:        ni.Term,
		Description: ni.Description,
		Amount:      ni.Amount,
		Status:      StatusUnpaid,
		DueDate:     ni.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return svc.repo.CreateInvoice(ctx, inv)
}

func (svc *service) GetInvoice(ctx context.Context, caller Caller, id string) (Invoice, error) {
	inv, err := svc.repo.GetInvoice(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	if err = svc.authorizeForStudent(ctx, caller, OpInvoiceRead, inv.StudentID); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (svc *service) QueryInvoices(ctx context.Context, caller Caller, filter *InvoiceFilter, ordering ...core.DBOrdering) ([]Invoice, error) {
	if filter == nil {
		filter = new(InvoiceFilter)
	}
	if !caller.Admin {
		filter.ParentID = caller.ID
	}
	if filter.StudentID != "" {
		// surface 404 vs an empty list, and 403 for foreign students
		std, err := svc.repo.GetStudent(ctx, GetStudentFilter{ID: filter.StudentID})
		if err != nil {
			return nil, err
		}
		if err = Authorize(caller, OpInvoiceRead, std.ParentID); err != nil {
			return nil, err
		}
	}
	return svc.repo.QueryInvoices(ctx, filter, ordering)
}

// Payments

// ApplyPayment validates and applies a payment to an invoice. Concurrent
// settlements of the same invoice are serialized with optimistic
// locking; a stale read is retried on a fresh snapshot.
func (svc *service) ApplyPayment(ctx context.Context, caller Caller, np NewPayment) (Invoice, Payment, error) {
	for attempt := 0; attempt < settleRetries; attempt++ {
		inv, err := svc.repo.GetInvoice(ctx, np.InvoiceID)
		if err != nil {
			return Invoice{}, Payment{}, err
		}
		std, err := svc.repo.GetStudent(ctx, GetStudentFilter{ID: inv.StudentID})
		if err != nil {
			return Invoice{}, Payment{}, err
		}
		if err = Authorize(caller, OpPaymentCreate, std.ParentID); err != nil {
			return Invoice{}, Payment{}, err
		}

		if inv.IsSettled() {
			return Invoice{}, Payment{}, ErrInvoiceSettled
		}
		if np.Amount > inv.Balance() {
			return Invoice{}, Payment{}, ErrOverpayment
		}

		// replay protection: a reference is only ever accepted once
		if _, err = svc.repo.GetPaymentByReference(ctx, np.Reference); err == nil {
			return Invoice{}, Payment{}, ErrDuplicateReference
		} else if errors.Cause(err) != ErrPaymentNotFound {
			return Invoice{}, Payment{}, err
		}

		now := time.Now().UTC()
		pmt := Payment{
			InvoiceID: inv.ID,
			StudentID: inv.StudentID,
			Amount:    np.Amount,
			Reference: np.Reference,
			CreatedAt: now,
		}
		inv.AmountPaid += np.Amount
		inv.Recompute()
		inv.UpdatedAt = now

		inv, pmt, err = svc.settle(ctx, inv, pmt)
		if errors.Cause(err) == ErrUpdateConflict {
			continue // someone else paid in between; re-read and re-check
		}
		if err != nil {
			return Invoice{}, Payment{}, err
		}

		svc.sendPaymentReceiptMail(ctx, std, inv, pmt)
		return inv, pmt, nil
	}
	return Invoice{}, Payment{}, ErrUpdateConflict
}

func (svc *service) QueryPayments(ctx context.Context, caller Caller, filter *PaymentFilter, ordering ...core.DBOrdering) ([]Payment, error) {
	if filter == nil {
		filter = new(PaymentFilter)
	}
	if !caller.Admin {
		filter.ParentID = caller.ID
	}
	if filter.StudentID != "" {
		std, err := svc.repo.GetStudent(ctx, GetStudentFilter{ID: filter.StudentID})
		if err != nil {
			return nil, err
		}
		if err = Authorize(caller, OpPaymentRead, std.ParentID); err != nil {
			return nil, err
		}
	}
	if filter.InvoiceID != "" {
		if _, err := svc.GetInvoice(ctx, caller, filter.InvoiceID); err != nil {
			return nil, err
		}
	}
	return svc.repo.QueryPayments(ctx, filter, ordering)
}

// settle runs SettlePayment in a transaction when a DB is configured.
func (svc *service) settle(ctx context.Context, inv Invoice, pmt Payment) (Invoice, Payment, error) {
	if svc.db == nil {
		return svc.repo.SettlePayment(ctx, inv, pmt)
	}

	tx, err := svc.db.BeginTx(ctx, nil)
	if err != nil {
		return Invoice{}, Payment{}, errors.Wrap(err, "beginning settle transaction")
	}
	inv, pmt, err = svc.repo.SettlePayment(ctx, inv, pmt, tx)
	if err != nil {
		_ = tx.Rollback()
		return Invoice{}, Payment{}, err
	}
	if err = tx.Commit(); err != nil {
		return Invoice{}, Payment{}, errors.Wrap(err, "committing settle transaction")
	}
	return inv, pmt, nil
}

func (svc *service) authorizeForStudent(ctx context.Context, caller Caller, op Op, studentID string) error {
	std, err := svc.repo.GetStudent(ctx, GetStudentFilter{ID: studentID})
	if err != nil {
		return err
	}
	return Authorize(caller, op, std.ParentID)
}

func (svc *service) sendPaymentReceiptMail(ctx context.Context, std Student, inv Invoice, pmt Payment) {
	if !std.ParentID.Valid {
		return
	}
	usr, err := svc.parents.GetByID(ctx, std.ParentID.String)
	if err != nil {
		return
	}
	msg := &core.EmailMessage{
		To:           []mail.Address{{Name: usr.FullName(), Address: usr.Email}},
		Subject:      "Payment Receipt " + pmt.Reference,
		TemplateName: "payment-receipt",
		TemplateData: struct {
			ParentName  string
			StudentName string
			Term        string
			Amount      string
			Balance     string
			Status      string
			Reference   string
		}{
			ParentName:  usr.FullName(),
			StudentName: std.FullName(),
			Term:        inv.Term,
			Amount:      FormatAmount(pmt.Amount, svc.conf.Currency),
			Balance:     FormatAmount(inv.Balance(), svc.conf.Currency),
			Status:      inv.Status,
			Reference:   pmt.Reference,
		},
	}
	svc.mailSvc.SendMessages(msg)
}

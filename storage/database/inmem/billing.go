package inmemdb

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/billing"
)

type billingRepository struct {
	students *studentTable
	invoices *invoiceTable
	payments *paymentTable
}

var _ billing.Repository = (*billingRepository)(nil) // interface compliance check

func NewBillingRepository(db *DB) *billingRepository {
	return &billingRepository{
		students: db.students,
		invoices: db.invoices,
		payments: db.payments,
	}
}

// Students

func (repo *billingRepository) queryStudents() []billing.Student {
	students := make([]billing.Student, 0, len(repo.students.table))
	for _, std := range repo.students.table {
		students = append(students, *std)
	}
	sort.Slice(students, func(i, j int) bool { return students[i].CreatedAt.Before(students[j].CreatedAt) })
	return students
}

func isExcludedStudent(std billing.Student, excluded []billing.Student) bool {
	for _, s := range excluded {
		if s.ID == std.ID {
			return true
		}
	}
	return false
}

func (repo *billingRepository) CheckAdmissionNumberUniqueness(ctx context.Context, admNo string, excludedStudents []billing.Student, exec ...core.DBExecutor) error {
	repo.students.mutex.RLock()
	defer repo.students.mutex.RUnlock()

	for _, std := range repo.queryStudents() {
		if strings.EqualFold(std.AdmissionNumber, admNo) && !isExcludedStudent(std, excludedStudents) {
			return billing.ErrAdmissionNumberExists
		}
	}
	return nil
}

func (repo *billingRepository) CreateStudent(ctx context.Context, std billing.Student, exec ...core.DBExecutor) (billing.Student, error) {
	repo.students.mutex.Lock()
	defer repo.students.mutex.Unlock()

	std.ID = uuid.New().String()
	repo.students.table[std.ID] = &std
	return std, nil
}

func (repo *billingRepository) GetStudent(ctx context.Context, filter billing.GetStudentFilter, exec ...core.DBExecutor) (billing.Student, error) {
	repo.students.mutex.RLock()
	defer repo.students.mutex.RUnlock()

	if filter.ID != "" {
		if std, ok := repo.students.table[filter.ID]; ok {
			return *std, nil
		}
		return billing.Student{}, billing.ErrStudentNotFound
	}
	if filter.AdmissionNumber != "" {
		for _, std := range repo.queryStudents() {
			if strings.EqualFold(std.AdmissionNumber, filter.AdmissionNumber) {
				return std, nil
			}
		}
	}
	return billing.Student{}, billing.ErrStudentNotFound
}

func (repo *billingRepository) QueryStudents(ctx context.Context, filter *billing.StudentFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]billing.Student, error) {
	repo.students.mutex.RLock()
	defer repo.students.mutex.RUnlock()

	students := repo.queryStudents()
	if filter == nil || filter.IsEmpty() {
		return students, nil
	}

	matched := make([]billing.Student, 0, len(students))
	for _, std := range students {
		if filter.Search != "" {
			search := strings.ToLower(filter.Search)
			if !(strings.Contains(strings.ToLower(std.FirstName), search) ||
				strings.Contains(strings.ToLower(std.LastName), search) ||
				strings.Contains(strings.ToLower(std.AdmissionNumber), search)) {
				continue
			}
		}
		if filter.ClassName != "" && !strings.EqualFold(std.ClassName, filter.ClassName) {
			continue
		}
		if filter.ParentID != "" {
			if !std.ParentID.Valid || std.ParentID.String != filter.ParentID {
				continue
			}
		}
		if filter.PendingEmail != "" {
			if std.ParentID.Valid || !strings.EqualFold(std.ParentEmail, filter.PendingEmail) {
				continue
			}
		}
		matched = append(matched, std)
	}
	return matched, nil
}

func (repo *billingRepository) UpdateStudent(ctx context.Context, std billing.Student, exec ...core.DBExecutor) (billing.Student, error) {
	repo.students.mutex.Lock()
	defer repo.students.mutex.Unlock()

	origStd, ok := repo.students.table[std.ID]
	if !ok {
		return billing.Student{}, billing.ErrStudentNotFound
	}
	if std.FirstName != "" {
		origStd.FirstName = std.FirstName
	}
	if std.LastName != "" {
		origStd.LastName = std.LastName
	}
	if std.AdmissionNumber != "" {
		origStd.AdmissionNumber = std.AdmissionNumber
	}
	if std.ClassName != "" {
		origStd.ClassName = std.ClassName
	}
	if std.ParentEmail != origStd.ParentEmail || std.ParentID != origStd.ParentID {
		origStd.ParentEmail = std.ParentEmail
		origStd.ParentID = std.ParentID
	}
	if !std.UpdatedAt.IsZero() {
		origStd.UpdatedAt = std.UpdatedAt
	}
	return *origStd, nil
}

func (repo *billingRepository) SetStudentParent(ctx context.Context, studentID string, parentID null.String, exec ...core.DBExecutor) (billing.Student, error) {
	repo.students.mutex.Lock()
	defer repo.students.mutex.Unlock()

	std, ok := repo.students.table[studentID]
	if !ok {
		return billing.Student{}, billing.ErrStudentNotFound
	}
	std.ParentID = parentID
	return *std, nil
}

func (repo *billingRepository) DeleteStudentsByID(ctx context.Context, ids []string, exec ...core.DBExecutor) (int, error) {
	repo.students.mutex.Lock()
	defer repo.students.mutex.Unlock()
	repo.invoices.mutex.Lock()
	defer repo.invoices.mutex.Unlock()
	repo.payments.mutex.Lock()
	defer repo.payments.mutex.Unlock()

	var cnt int
	for _, id := range ids {
		if _, ok := repo.students.table[id]; !ok {
			continue
		}
		delete(repo.students.table, id)
		cnt++

		// cascade
		for invID, inv := range repo.invoices.table {
			if inv.StudentID == id {
				delete(repo.invoices.table, invID)
			}
		}
		for pmtID, pmt := range repo.payments.table {
			if pmt.StudentID == id {
				delete(repo.payments.table, pmtID)
			}
		}
	}
	return cnt, nil
}

// Invoices

func (repo *billingRepository) queryInvoices() []billing.Invoice {
	invoices := make([]billing.Invoice, 0, len(repo.invoices.table))
	for _, inv := range repo.invoices.table {
		invoices = append(invoices, *inv)
	}
	sort.Slice(invoices, func(i, j int) bool { return invoices[i].CreatedAt.Before(invoices[j].CreatedAt) })
	return invoices
}

func (repo *billingRepository) CreateInvoice(ctx context.Context, inv billing.Invoice, exec ...core.DBExecutor) (billing.Invoice, error) {
	repo.invoices.mutex.Lock()
	defer repo.invoices.mutex.Unlock()

	inv.ID = uuid.New().String()
	inv.Version = 1
	repo.invoices.table[inv.ID] = &inv
	return inv, nil
}

func (repo *billingRepository) GetInvoice(ctx context.Context, id string, exec ...core.DBExecutor) (billing.Invoice, error) {
	repo.invoices.mutex.RLock()
	defer repo.invoices.mutex.RUnlock()

	if inv, ok := repo.invoices.table[id]; ok {
		return *inv, nil
	}
	return billing.Invoice{}, billing.ErrInvoiceNotFound
}

func (repo *billingRepository) matchInvoice(inv billing.Invoice, filter *billing.InvoiceFilter) bool {
	if filter.StudentID != "" && inv.StudentID != filter.StudentID {
		return false
	}
	if filter.Status != "" && inv.Status != filter.Status {
		return false
	}
	if filter.ParentID != "" {
		std, ok := repo.students.table[inv.StudentID]
		if !ok || !std.ParentID.Valid || std.ParentID.String != filter.ParentID {
			return false
		}
	}
	return true
}

func (repo *billingRepository) QueryInvoices(ctx context.Context, filter *billing.InvoiceFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]billing.Invoice, error) {
	if filter != nil && filter.ParentID != "" {
		repo.students.mutex.RLock()
		defer repo.students.mutex.RUnlock()
	}
	repo.invoices.mutex.RLock()
	defer repo.invoices.mutex.RUnlock()

	invoices := repo.queryInvoices()
	if filter == nil || filter.IsEmpty() {
		return invoices, nil
	}

	matched := make([]billing.Invoice, 0, len(invoices))
	for _, inv := range invoices {
		if repo.matchInvoice(inv, filter) {
			matched = append(matched, inv)
		}
	}
	return matched, nil
}

// Payments

func (repo *billingRepository) queryPayments() []billing.Payment {
	payments := make([]billing.Payment, 0, len(repo.payments.table))
	for _, pmt := range repo.payments.table {
		payments = append(payments, *pmt)
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].CreatedAt.Before(payments[j].CreatedAt) })
	return payments
}

func (repo *billingRepository) GetPayment(ctx context.Context, id string, exec ...core.DBExecutor) (billing.Payment, error) {
	repo.payments.mutex.RLock()
	defer repo.payments.mutex.RUnlock()

	if pmt, ok := repo.payments.table[id]; ok {
		return *pmt, nil
	}
	return billing.Payment{}, billing.ErrPaymentNotFound
}

func (repo *billingRepository) GetPaymentByReference(ctx context.Context, ref string, exec ...core.DBExecutor) (billing.Payment, error) {
	repo.payments.mutex.RLock()
	defer repo.payments.mutex.RUnlock()

	for _, pmt := range repo.queryPayments() {
		if pmt.Reference == ref {
			return pmt, nil
		}
	}
	return billing.Payment{}, billing.ErrPaymentNotFound
}

func (repo *billingRepository) QueryPayments(ctx context.Context, filter *billing.PaymentFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]billing.Payment, error) {
	if filter != nil && filter.ParentID != "" {
		repo.students.mutex.RLock()
		defer repo.students.mutex.RUnlock()
	}
	repo.payments.mutex.RLock()
	defer repo.payments.mutex.RUnlock()

	payments := repo.queryPayments()
	if filter == nil || filter.IsEmpty() {
		return payments, nil
	}

	matched := make([]billing.Payment, 0, len(payments))
	for _, pmt := range payments {
		if filter.InvoiceID != "" && pmt.InvoiceID != filter.InvoiceID {
			continue
		}
		if filter.StudentID != "" && pmt.StudentID != filter.StudentID {
			continue
		}
		if filter.Reference != "" && pmt.Reference != filter.Reference {
			continue
		}
		if filter.ParentID != "" {
			std, ok := repo.students.table[pmt.StudentID]
			if !ok || !std.ParentID.Valid || std.ParentID.String != filter.ParentID {
				continue
			}
		}
		matched = append(matched, pmt)
	}
	return matched, nil
}

func (repo *billingRepository) SettlePayment(ctx context.Context, inv billing.Invoice, pmt billing.Payment, exec ...core.DBExecutor) (billing.Invoice, billing.Payment, error) {
	repo.invoices.mutex.Lock()
	defer repo.invoices.mutex.Unlock()
	repo.payments.mutex.Lock()
	defer repo.payments.mutex.Unlock()

	origInv, ok := repo.invoices.table[inv.ID]
	if !ok {
		return billing.Invoice{}, billing.Payment{}, billing.ErrInvoiceNotFound
	}
	if origInv.Version != inv.Version {
		return billing.Invoice{}, billing.Payment{}, billing.ErrUpdateConflict
	}
	for _, p := range repo.payments.table {
		if p.Reference == pmt.Reference {
			return billing.Invoice{}, billing.Payment{}, billing.ErrDuplicateReference
		}
	}

	inv.Version++
	repo.invoices.table[inv.ID] = &inv

	pmt.ID = uuid.New().String()
	repo.payments.table[pmt.ID] = &pmt
	return inv, pmt, nil
}

package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/billing"
)

type studentRow struct {
	ID              string      `db:"id"`
	FirstName       null.String `db:"first_name"`
	LastName        null.String `db:"last_name"`
	AdmissionNumber null.String `db:"admission_number"`
	ClassName       null.String `db:"class_name"`
	ParentEmail     null.String `db:"parent_email"`
	ParentID        null.String `db:"parent_id"`
	CreatedAt       null.Time   `db:"created_at"`
	UpdatedAt       null.Time   `db:"updated_at"`
}

type invoiceRow struct {
	ID          string      `db:"id"`
	StudentID   string      `db:"student_id"`
	Term        null.String `db:"term"`
	Description null.String `db:"description"`
	Amount      int64       `db:"amount"`
	AmountPaid  int64       `db:"amount_paid"`
	Status      string      `db:"status"`
	DueDate     null.Time   `db:"due_date"`
	Version     int         `db:"version"`
	CreatedAt   null.Time   `db:"created_at"`
	UpdatedAt   null.Time   `db:"updated_at"`
}

type paymentRow struct {
	ID        string    `db:"id"`
	InvoiceID string    `db:"invoice_id"`
	StudentID string    `db:"student_id"`
	Amount    int64     `db:"amount"`
	Reference string    `db:"reference"`
	CreatedAt null.Time `db:"created_at"`
}

type billingRepository struct {
	db *sqlx.DB
}

var _ billing.Repository = (*billingRepository)(nil) // interface compliance check

func NewBillingRepository(db *sqlx.DB) *billingRepository {
	return &billingRepository{db: db}
}

func (repo billingRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 {
		return svcExec[0]
	}
	return repo.db
}

func (repo billingRepository) rowStudent(std billing.Student) studentRow {
	return studentRow{
		ID:              std.ID,
		FirstName:       null.NewString(std.FirstName, std.FirstName != ""),
		LastName:        null.NewString(std.LastName, std.LastName != ""),
		AdmissionNumber: null.NewString(std.AdmissionNumber, std.AdmissionNumber != ""),
		ClassName:       null.NewString(std.ClassName, std.ClassName != ""),
		ParentEmail:     null.NewString(std.ParentEmail, std.ParentEmail != ""),
		ParentID:        std.ParentID,
		CreatedAt:       null.NewTime(std.CreatedAt.UTC(), !std.CreatedAt.IsZero()),
		UpdatedAt:       null.NewTime(std.UpdatedAt.UTC(), !std.UpdatedAt.IsZero()),
	}
}

func (repo billingRepository) unrowStudent(row studentRow) billing.Student {
	return billing.Student{
		ID:              row.ID,
		FirstName:       row.FirstName.String,
		LastName:        row.LastName.String,
		AdmissionNumber: row.AdmissionNumber.String,
		ClassName:       row.ClassName.String,
		ParentEmail:     row.ParentEmail.String,
		ParentID:        row.ParentID,
		CreatedAt:       row.CreatedAt.Time,
		UpdatedAt:       row.UpdatedAt.Time,
	}
}

func (repo billingRepository) unrowInvoice(row invoiceRow) billing.Invoice {
	return billing.Invoice{
		ID:          row.ID,
		StudentID:   row.StudentID,
		Term:        row.Term.String,
		Description: row.Description.String,
		Amount:      row.Amount,
		AmountPaid:  row.AmountPaid,
		Status:      row.Status,
		DueDate:     row.DueDate.Time,
		Version:     row.Version,
		CreatedAt:   row.CreatedAt.Time,
		UpdatedAt:   row.UpdatedAt.Time,
	}
}

func (repo billingRepository) unrowPayment(row paymentRow) billing.Payment {
	return billing.Payment{
		ID:        row.ID,
		InvoiceID: row.InvoiceID,
		StudentID: row.StudentID,
		Amount:    row.Amount,
		Reference: row.Reference,
		CreatedAt: row.CreatedAt.Time,
	}
}

// Students

func (repo billingRepository) CheckAdmissionNumberUniqueness(ctx context.Context, admNo string, excludedStudents []billing.Student, exec ...core.DBExecutor) error {
	query := `SELECT EXISTS (SELECT 1 FROM student WHERE lower(admission_number) = lower($1)`
	args := []interface{}{admNo}
	if len(excludedStudents) > 0 {
		ids := make([]string, 0, len(excludedStudents))
		for _, s := range excludedStudents {
			ids = append(ids, s.ID)
		}
		query += ` AND NOT (id = ANY($2))`
		args = append(args, pq.Array(ids))
	}
	query += `)`

	var exists bool
	if err := repo.getExec(exec).QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return errors.Wrap(err, "checking admission number uniqueness")
	}
	if exists {
		return billing.ErrAdmissionNumberExists
	}
	return nil
}

func (repo billingRepository) CreateStudent(ctx context.Context, std billing.Student, exec ...core.DBExecutor) (billing.Student, error) {
	std.ID = uuid.New().String()
	row := repo.rowStudent(std)

	_, err := repo.getExec(exec).ExecContext(ctx,
		`INSERT INTO student (id, first_name, last_name, admission_number, class_name, parent_email, parent_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		row.ID, row.FirstName, row.LastName, row.AdmissionNumber, row.ClassName,
		row.ParentEmail, row.ParentID, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := errors.Cause(err).(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			return billing.Student{}, billing.ErrAdmissionNumberExists
		}
		return billing.Student{}, errors.Wrap(err, "inserting student")
	}
	return std, nil
}

const studentCols = `id, first_name, last_name, admission_number, class_name, parent_email, parent_id, created_at, updated_at`

// GetStudent reads through the provided executor so re-reads inside a
// transaction see its own writes.
func (repo billingRepository) GetStudent(ctx context.Context, filter billing.GetStudentFilter, exec ...core.DBExecutor) (billing.Student, error) {
	var row studentRow
	scan := func(query string, arg interface{}) error {
		return repo.getExec(exec).QueryRowContext(ctx, query, arg).Scan(
			&row.ID, &row.FirstName, &row.LastName, &row.AdmissionNumber, &row.ClassName,
			&row.ParentEmail, &row.ParentID, &row.CreatedAt, &row.UpdatedAt,
		)
	}

	if filter.ID != "" {
		if _, err := uuid.Parse(filter.ID); err != nil {
			return billing.Student{}, billing.ErrStudentNotFound
		}
		if err := scan(`SELECT `+studentCols+` FROM student WHERE id = $1`, filter.ID); err != nil {
			if err == sql.ErrNoRows {
				return billing.Student{}, billing.ErrStudentNotFound
			}
			return billing.Student{}, errors.Wrap(err, "finding student by ID")
		}
	} else {
		if filter.AdmissionNumber == "" {
			return billing.Student{}, billing.ErrStudentNotFound
		}
		if err := scan(`SELECT `+studentCols+` FROM student WHERE lower(admission_number) = lower($1)`, filter.AdmissionNumber); err != nil {
			if err == sql.ErrNoRows {
				return billing.Student{}, billing.ErrStudentNotFound
			}
			return billing.Student{}, errors.Wrap(err, "finding student by admission number")
		}
	}
	return repo.unrowStudent(row), nil
}

func (repo billingRepository) QueryStudents(ctx context.Context, filter *billing.StudentFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]billing.Student, error) {
	query := `SELECT * FROM student`
	var conds []string
	var args []interface{}

	arg := func(val interface{}) string {
		args = append(args, val)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter != nil {
		if filter.Search != "" {
			p := arg("%" + filter.Search + "%")
			conds = append(conds, fmt.Sprintf("(first_name ILIKE %[1]s OR last_name ILIKE %[1]s OR admission_number ILIKE %[1]s)", p))
		}
		if filter.ClassName != "" {
			conds = append(conds, fmt.Sprintf("lower(class_name) = lower(%s)", arg(filter.ClassName)))
		}
		if filter.ParentID != "" {
			conds = append(conds, fmt.Sprintf("parent_id = %s", arg(filter.ParentID)))
		}
		if filter.PendingEmail != "" {
			conds = append(conds, fmt.Sprintf("parent_id IS NULL AND lower(parent_email) = lower(%s)", arg(filter.PendingEmail)))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += orderBy(ordering, "created_at ASC")

	var rows []studentRow
	if err := repo.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "querying students")
	}
	students := make([]billing.Student, 0, len(rows))
	for _, row := range rows {
		students = append(students, repo.unrowStudent(row))
	}
	return students, nil
}

func (repo billingRepository) UpdateStudent(ctx context.Context, std billing.Student, exec ...core.DBExecutor) (billing.Student, error) {
	if std.UpdatedAt.IsZero() {
		std.UpdatedAt = time.Now().UTC()
	}
	row := repo.rowStudent(std)

	res, err := repo.getExec(exec).ExecContext(ctx,
		`UPDATE student SET
			first_name = COALESCE($2, first_name),
			last_name = COALESCE($3, last_name),
			admission_number = COALESCE($4, admission_number),
			class_name = COALESCE($5, class_name),
			parent_email = COALESCE($6, parent_email),
			parent_id = $7,
			updated_at = $8
		 WHERE id = $1`,
		row.ID, row.FirstName, row.LastName, row.AdmissionNumber, row.ClassName,
		row.ParentEmail, row.ParentID, row.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := errors.Cause(err).(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			return billing.Student{}, billing.ErrAdmissionNumberExists
		}
		return billing.Student{}, errors.Wrap(err, "updating student")
	}
	if cnt, err := res.RowsAffected(); err == nil && cnt == 0 {
		return billing.Student{}, billing.ErrStudentNotFound
	}
	return repo.GetStudent(ctx, billing.GetStudentFilter{ID: std.ID}, exec...)
}

func (repo billingRepository) SetStudentParent(ctx context.Context, studentID string, parentID null.String, exec ...core.DBExecutor) (billing.Student, error) {
	res, err := repo.getExec(exec).ExecContext(ctx,
		`UPDATE student SET parent_id = $2, updated_at = $3 WHERE id = $1`,
		studentID, parentID, time.Now().UTC(),
	)
	if err != nil {
		return billing.Student{}, errors.Wrap(err, "setting student parent")
	}
	if cnt, err := res.RowsAffected(); err == nil && cnt == 0 {
		return billing.Student{}, billing.ErrStudentNotFound
	}
	return repo.GetStudent(ctx, billing.GetStudentFilter{ID: studentID}, exec...)
}

func (repo billingRepository) DeleteStudentsByID(ctx context.Context, ids []string, exec ...core.DBExecutor) (int, error) {
	// invoices and payments cascade on FK
	res, err := repo.getExec(exec).ExecContext(ctx, `DELETE FROM student WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, errors.Wrap(err, "deleting students")
	}
	cnt, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "deleting students")
	}
	return int(cnt), nil
}

// Invoices

func (repo billingRepository) CreateInvoice(ctx context.Context, inv billing.Invoice, exec ...core.DBExecutor) (billing.Invoice, error) {
	inv.ID = uuid.New().String()
	inv.Version = 1

	_, err := repo.getExec(exec).ExecContext(ctx,
		`INSERT INTO invoice (id, student_id, term, description, amount, amount_paid, status, due_date, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inv.ID, inv.StudentID, null.NewString(inv.Term, inv.Term != ""), null.NewString(inv.Description, inv.Description != ""),
		inv.Amount, inv.AmountPaid, inv.Status, null.NewTime(inv.DueDate.UTC(), !inv.DueDate.IsZero()),
		inv.Version, inv.CreatedAt.UTC(), inv.UpdatedAt.UTC(),
	)
	if err != nil {
		return billing.Invoice{}, errors.Wrap(err, "inserting invoice")
	}
	return inv, nil
}

const invoiceCols = `id, student_id, term, description, amount, amount_paid, status, due_date, version, created_at, updated_at`

// GetInvoice, like GetStudent, honors the executor for in-transaction re-reads.
func (repo billingRepository) GetInvoice(ctx context.Context, id string, exec ...core.DBExecutor) (billing.Invoice, error) {
	if _, err := uuid.Parse(id); err != nil {
		return billing.Invoice{}, billing.ErrInvoiceNotFound
	}
	var row invoiceRow
	err := repo.getExec(exec).QueryRowContext(
		ctx, `SELECT `+invoiceCols+` FROM invoice WHERE id = $1`, id,
	).Scan(
		&row.ID, &row.StudentID, &row.Term, &row.Description, &row.Amount, &row.AmountPaid,
		&row.Status, &row.DueDate, &row.Version, &row.CreatedAt, &row.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return billing.Invoice{}, billing.ErrInvoiceNotFound
		}
		return billing.Invoice{}, errors.Wrap(err, "finding invoice")
	}
	return repo.unrowInvoice(row), nil
}

func (repo billingRepository) QueryInvoices(ctx context.Context, filter *billing.InvoiceFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]billing.Invoice, error) {
	query := `SELECT i.* FROM invoice i`
	var conds []string
	var args []interface{}

	arg := func(val interface{}) string {
		args = append(args, val)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter != nil {
		if filter.ParentID != "" {
			query += ` JOIN student s ON s.id = i.student_id`
			conds = append(conds, fmt.Sprintf("s.parent_id = %s", arg(filter.ParentID)))
		}
		if filter.StudentID != "" {
			conds = append(conds, fmt.Sprintf("i.student_id = %s", arg(filter.StudentID)))
		}
		if filter.Status != "" {
			conds = append(conds, fmt.Sprintf("i.status = %s", arg(filter.Status)))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += orderBy(ordering, "i.created_at ASC")

	var rows []invoiceRow
	if err := repo.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "querying invoices")
	}
	invoices := make([]billing.Invoice, 0, len(rows))
	for _, row := range rows {
		invoices = append(invoices, repo.unrowInvoice(row))
	}
	return invoices, nil
}

// Payments

func (repo billingRepository) GetPayment(ctx context.Context, id string, exec ...core.DBExecutor) (billing.Payment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return billing.Payment{}, billing.ErrPaymentNotFound
	}
	row, err := repo.scanPayment(ctx, `SELECT `+paymentCols+` FROM payment WHERE id = $1`, id, exec)
	if err != nil {
		if err == sql.ErrNoRows {
			return billing.Payment{}, billing.ErrPaymentNotFound
		}
		return billing.Payment{}, errors.Wrap(err, "finding payment")
	}
	return repo.unrowPayment(row), nil
}

func (repo billingRepository) GetPaymentByReference(ctx context.Context, ref string, exec ...core.DBExecutor) (billing.Payment, error) {
	row, err := repo.scanPayment(ctx, `SELECT `+paymentCols+` FROM payment WHERE reference = $1`, ref, exec)
	if err != nil {
		if err == sql.ErrNoRows {
			return billing.Payment{}, billing.ErrPaymentNotFound
		}
		return billing.Payment{}, errors.Wrap(err, "finding payment by reference")
	}
	return repo.unrowPayment(row), nil
}

const paymentCols = `id, invoice_id, student_id, amount, reference, created_at`

func (repo billingRepository) scanPayment(ctx context.Context, query, arg string, exec []core.DBExecutor) (paymentRow, error) {
	var row paymentRow
	err := repo.getExec(exec).QueryRowContext(ctx, query, arg).Scan(
		&row.ID, &row.InvoiceID, &row.StudentID, &row.Amount, &row.Reference, &row.CreatedAt,
	)
	return row, err
}

func (repo billingRepository) QueryPayments(ctx context.Context, filter *billing.PaymentFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]billing.Payment, error) {
	query := `SELECT p.* FROM payment p`
	var conds []string
	var args []interface{}

	arg := func(val interface{}) string {
		args = append(args, val)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter != nil {
		if filter.ParentID != "" {
			query += ` JOIN student s ON s.id = p.student_id`
			conds = append(conds, fmt.Sprintf("s.parent_id = %s", arg(filter.ParentID)))
		}
		if filter.InvoiceID != "" {
			conds = append(conds, fmt.Sprintf("p.invoice_id = %s", arg(filter.InvoiceID)))
		}
		if filter.StudentID != "" {
			conds = append(conds, fmt.Sprintf("p.student_id = %s", arg(filter.StudentID)))
		}
		if filter.Reference != "" {
			conds = append(conds, fmt.Sprintf("p.reference = %s", arg(filter.Reference)))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += orderBy(ordering, "p.created_at ASC")

	var rows []paymentRow
	if err := repo.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "querying payments")
	}
	payments := make([]billing.Payment, 0, len(rows))
	for _, row := range rows {
		payments = append(payments, repo.unrowPayment(row))
	}
	return payments, nil
}

func (repo billingRepository) SettlePayment(ctx context.Context, inv billing.Invoice, pmt billing.Payment, exec ...core.DBExecutor) (billing.Invoice, billing.Payment, error) {
	exe := repo.getExec(exec)

	// the invoice row is only written if it has not moved since it was read
	res, err := exe.ExecContext(ctx,
		`UPDATE invoice SET amount_paid = $2, status = $3, version = version + 1, updated_at = $4
		 WHERE id = $1 AND version = $5`,
		inv.ID, inv.AmountPaid, inv.Status, inv.UpdatedAt.UTC(), inv.Version,
	)
	if err != nil {
		return billing.Invoice{}, billing.Payment{}, errors.Wrap(err, "updating invoice")
	}
	cnt, err := res.RowsAffected()
	if err != nil {
		return billing.Invoice{}, billing.Payment{}, errors.Wrap(err, "updating invoice")
	}
	if cnt == 0 {
		return billing.Invoice{}, billing.Payment{}, billing.ErrUpdateConflict
	}
	inv.Version++

	pmt.ID = uuid.New().String()
	_, err = exe.ExecContext(ctx,
		`INSERT INTO payment (id, invoice_id, student_id, amount, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		pmt.ID, pmt.InvoiceID, pmt.StudentID, pmt.Amount, pmt.Reference, pmt.CreatedAt.UTC(),
	)
	if err != nil {
		if pqErr, ok := errors.Cause(err).(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			return billing.Invoice{}, billing.Payment{}, billing.ErrDuplicateReference
		}
		return billing.Invoice{}, billing.Payment{}, errors.Wrap(err, "inserting payment")
	}
	return inv, pmt, nil
}

package billing_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/account"
	"github.com/trezcool/karo/core/billing"
	emailsvc "github.com/trezcool/karo/services/email"
	"github.com/trezcool/karo/storage/database/inmem"
	testutil "github.com/trezcool/karo/tests"
)

type testEnv struct {
	conf     *core.Config
	usrRepo  account.Repository
	billRepo billing.Repository
	acctSvc  account.Service
	billSvc  billing.Service
}

func setup(t *testing.T) testEnv {
	t.Helper()

	conf := core.NewConfig()
	conf.TestMode = true

	db, err := inmemdb.Open()
	if err != nil {
		t.Fatalf("inmemdb.Open() failed: %v", err)
	}
	usrRepo := inmemdb.NewUserRepository(db)
	billRepo := inmemdb.NewBillingRepository(db)

	mailSvc := emailsvc.NewConsoleServiceMock(conf)
	acctSvc := account.NewServiceMock(usrRepo, mailSvc, conf)
	billSvc := billing.NewServiceMock(billRepo, acctSvc, mailSvc, conf)
	acctSvc.SetLinker(billSvc)

	return testEnv{
		conf:     conf,
		usrRepo:  usrRepo,
		billRepo: billRepo,
		acctSvc:  acctSvc,
		billSvc:  billSvc,
	}
}

func (env testEnv) caller(usr account.User) billing.Caller {
	return billing.Caller{ID: usr.ID, Admin: usr.IsAdmin()}
}

var adminCaller = billing.Caller{ID: "adm", Admin: true}

func Test_service_CreateStudent_linking(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	parent := testutil.CreateParent(t, env.usrRepo, "Jane", "Doe", "jane@test.cd")

	t.Run("existing parent account is claimed immediately", func(t *testing.T) {
		std, err := env.billSvc.CreateStudent(ctx, billing.NewStudent{
			FirstName:       "John",
			LastName:        "Doe",
			AdmissionNumber: "ADM001",
			ClassName:       "Grade 4",
			ParentEmail:     "jane@test.cd",
		})
		if err != nil {
			t.Fatalf("CreateStudent() failed: %v", err)
		}
		if !std.IsLinked() || std.ParentID.String != parent.ID {
			t.Errorf("ParentID = %v; want %s", std.ParentID, parent.ID)
		}
	})

	t.Run("unknown parent email stays pending", func(t *testing.T) {
		std, err := env.billSvc.CreateStudent(ctx, billing.NewStudent{
			FirstName:       "Mary",
			LastName:        "Major",
			AdmissionNumber: "ADM002",
			ParentEmail:     "notyet@test.cd",
		})
		if err != nil {
			t.Fatalf("CreateStudent() failed: %v", err)
		}
		if std.IsLinked() {
			t.Errorf("ParentID = %v; want unlinked", std.ParentID)
		}
		if std.ParentEmail != "notyet@test.cd" {
			t.Errorf("ParentEmail = %s; want notyet@test.cd", std.ParentEmail)
		}
	})

	t.Run("no parent email", func(t *testing.T) {
		std, err := env.billSvc.CreateStudent(ctx, billing.NewStudent{
			FirstName:       "Solo",
			LastName:        "Kid",
			AdmissionNumber: "ADM003",
		})
		if err != nil {
			t.Fatalf("CreateStudent() failed: %v", err)
		}
		if std.IsLinked() {
			t.Errorf("ParentID = %v; want unlinked", std.ParentID)
		}
	})
}

func Test_service_LinkParentStudents_orderIndependence(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	// students registered before the parent account exists
	std1 := testutil.CreateStudent(t, env.billRepo, "John", "Doe", "ADM001", "Grade 4", "late@test.cd")
	std2 := testutil.CreateStudent(t, env.billRepo, "Jim", "Doe", "ADM002", "Grade 6", "Late@Test.CD") // case differs
	other := testutil.CreateStudent(t, env.billRepo, "No", "Body", "ADM003", "Grade 1", "other@test.cd")

	parent, err := env.acctSvc.Register(ctx, account.RegisterParent{
		FirstName:       "Jane",
		LastName:        "Doe",
		Email:           "late@test.cd",
		PhoneNumber:     "+243970000000",
		Password:        "Tr0ub4dor&3",
		PasswordConfirm: "Tr0ub4dor&3",
	})
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	for _, id := range []string{std1.ID, std2.ID} {
		std, err := env.billRepo.GetStudent(ctx, billing.GetStudentFilter{ID: id})
		if err != nil {
			t.Fatalf("GetStudent() failed: %v", err)
		}
		if !std.IsLinked() || std.ParentID.String != parent.ID {
			t.Errorf("student %s: ParentID = %v; want %s", std.AdmissionNumber, std.ParentID, parent.ID)
		}
	}

	refreshed, err := env.billRepo.GetStudent(ctx, billing.GetStudentFilter{ID: other.ID})
	if err != nil {
		t.Fatalf("GetStudent() failed: %v", err)
	}
	if refreshed.IsLinked() {
		t.Errorf("foreign student got linked: ParentID = %v", refreshed.ParentID)
	}

	// running the link again is a no-op
	n, err := env.billSvc.LinkParentStudents(ctx, parent.ID, parent.Email)
	if err != nil {
		t.Fatalf("LinkParentStudents() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("LinkParentStudents() = %d; want 0", n)
	}
}

func Test_service_LinkParent(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	parent := testutil.CreateParent(t, env.usrRepo, "Jane", "Doe", "jane@test.cd")
	std := testutil.CreateStudent(t, env.billRepo, "John", "Doe", "ADM001", "Grade 4", "")

	t.Run("unknown email", func(t *testing.T) {
		_, err := env.billSvc.LinkParent(ctx, std.ID, billing.LinkParent{Email: "ghost@test.cd"})
		if errors.Cause(err) != billing.ErrParentNotFound {
			t.Errorf("LinkParent() error = %v; want ErrParentNotFound", err)
		}
	})

	t.Run("links an existing account", func(t *testing.T) {
		linked, err := env.billSvc.LinkParent(ctx, std.ID, billing.LinkParent{Email: parent.Email})
		if err != nil {
			t.Fatalf("LinkParent() failed: %v", err)
		}
		if !linked.IsLinked() || linked.ParentID.String != parent.ID {
			t.Errorf("ParentID = %v; want %s", linked.ParentID, parent.ID)
		}
		if linked.ParentEmail != parent.Email {
			t.Errorf("ParentEmail = %s; want %s", linked.ParentEmail, parent.Email)
		}
	})

	t.Run("relink moves the claimed email and the parent in one write", func(t *testing.T) {
		parent2 := testutil.CreateParent(t, env.usrRepo, "Joe", "Blow", "joe@test.cd")
		svc := billing.NewServiceMock(deferredOnlyRepo{env.billRepo}, env.acctSvc, emailsvc.NewConsoleServiceMock(env.conf), env.conf)

		linked, err := svc.LinkParent(ctx, std.ID, billing.LinkParent{Email: parent2.Email})
		if err != nil {
			t.Fatalf("LinkParent() failed: %v", err)
		}
		if linked.ParentID.String != parent2.ID || linked.ParentEmail != parent2.Email {
			t.Errorf("student = %+v; want email and parent both moved to %s", linked, parent2.ID)
		}
	})

	t.Run("unknown student", func(t *testing.T) {
		_, err := env.billSvc.LinkParent(ctx, "nope", billing.LinkParent{Email: parent.Email})
		if errors.Cause(err) != billing.ErrStudentNotFound {
			t.Errorf("LinkParent() error = %v; want ErrStudentNotFound", err)
		}
	})
}

// deferredOnlyRepo reserves SetStudentParent for the deferred linking pass.
// An admin relink going through it would leave a half-moved student on a
// crash between the two writes, so it must not be used there.
type deferredOnlyRepo struct {
	billing.Repository
}

func (r deferredOnlyRepo) SetStudentParent(ctx context.Context, studentID string, parentID null.String, exec ...core.DBExecutor) (billing.Student, error) {
	return billing.Student{}, errors.New("student row already written")
}

func Test_service_UpdateStudent_reresolvesParent(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	parent1 := testutil.CreateParent(t, env.usrRepo, "Jane", "Doe", "jane@test.cd")
	parent2 := testutil.CreateParent(t, env.usrRepo, "Joe", "Blow", "joe@test.cd")

	std, err := env.billSvc.CreateStudent(ctx, billing.NewStudent{
		FirstName: "John", LastName: "Doe", AdmissionNumber: "ADM001", ParentEmail: parent1.Email,
	})
	if err != nil {
		t.Fatalf("CreateStudent() failed: %v", err)
	}
	if std.ParentID.String != parent1.ID {
		t.Fatalf("ParentID = %v; want %s", std.ParentID, parent1.ID)
	}

	t.Run("new email with an account relinks", func(t *testing.T) {
		updated, err := env.billSvc.UpdateStudent(ctx, std.ID, billing.UpdateStudent{ParentEmail: parent2.Email})
		if err != nil {
			t.Fatalf("UpdateStudent() failed: %v", err)
		}
		if updated.ParentID.String != parent2.ID {
			t.Errorf("ParentID = %v; want %s", updated.ParentID, parent2.ID)
		}
	})

	t.Run("new email without an account unlinks", func(t *testing.T) {
		updated, err := env.billSvc.UpdateStudent(ctx, std.ID, billing.UpdateStudent{ParentEmail: "nobody@test.cd"})
		if err != nil {
			t.Fatalf("UpdateStudent() failed: %v", err)
		}
		if updated.IsLinked() {
			t.Errorf("ParentID = %v; want unlinked", updated.ParentID)
		}
	})
}

func Test_service_ApplyPayment_lifecycle(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	parent := testutil.CreateParent(t, env.usrRepo, "Jane", "Doe", "jane@test.cd")
	std, err := env.billSvc.CreateStudent(ctx, billing.NewStudent{
		FirstName: "John", LastName: "Doe", AdmissionNumber: "ADM001", ParentEmail: parent.Email,
	})
	if err != nil {
		t.Fatalf("CreateStudent() failed: %v", err)
	}
	inv := testutil.CreateInvoice(t, env.billRepo, std.ID, "2026-T1", 150000, time.Now().AddDate(0, 1, 0))
	caller := env.caller(parent)

	t.Run("partial payment", func(t *testing.T) {
		paidInv, pmt, err := env.billSvc.ApplyPayment(ctx, caller, billing.NewPayment{
			InvoiceID: inv.ID, Amount: 50000, Reference: "MPESA-001",
		})
		if err != nil {
			t.Fatalf("ApplyPayment() failed: %v", err)
		}
		if paidInv.Status != billing.StatusPartiallyPaid {
			t.Errorf("Status = %s; want %s", paidInv.Status, billing.StatusPartiallyPaid)
		}
		if paidInv.Balance() != 100000 {
			t.Errorf("Balance() = %d; want 100000", paidInv.Balance())
		}
		if pmt.ID == "" || pmt.StudentID != std.ID {
			t.Errorf("unexpected payment: %+v", pmt)
		}
	})

	t.Run("duplicate reference is rejected", func(t *testing.T) {
		_, _, err := env.billSvc.ApplyPayment(ctx, caller, billing.NewPayment{
			InvoiceID: inv.ID, Amount: 10000, Reference: "MPESA-001",
		})
		if errors.Cause(err) != billing.ErrDuplicateReference {
			t.Errorf("ApplyPayment() error = %v; want ErrDuplicateReference", err)
		}
	})

	t.Run("overpayment is rejected", func(t *testing.T) {
		_, _, err := env.billSvc.ApplyPayment(ctx, caller, billing.NewPayment{
			InvoiceID: inv.ID, Amount: 100001, Reference: "MPESA-002",
		})
		if errors.Cause(err) != billing.ErrOverpayment {
			t.Errorf("ApplyPayment() error = %v; want ErrOverpayment", err)
		}
	})

	t.Run("settling payment", func(t *testing.T) {
		paidInv, _, err := env.billSvc.ApplyPayment(ctx, caller, billing.NewPayment{
			InvoiceID: inv.ID, Amount: 100000, Reference: "MPESA-003",
		})
		if err != nil {
			t.Fatalf("ApplyPayment() failed: %v", err)
		}
		if paidInv.Status != billing.StatusPaid {
			t.Errorf("Status = %s; want %s", paidInv.Status, billing.StatusPaid)
		}
		if paidInv.Balance() != 0 {
			t.Errorf("Balance() = %d; want 0", paidInv.Balance())
		}
	})

	t.Run("settled invoice takes no further payments", func(t *testing.T) {
		_, _, err := env.billSvc.ApplyPayment(ctx, caller, billing.NewPayment{
			InvoiceID: inv.ID, Amount: 1, Reference: "MPESA-004",
		})
		if errors.Cause(err) != billing.ErrInvoiceSettled {
			t.Errorf("ApplyPayment() error = %v; want ErrInvoiceSettled", err)
		}
	})

	t.Run("unknown invoice", func(t *testing.T) {
		_, _, err := env.billSvc.ApplyPayment(ctx, caller, billing.NewPayment{
			InvoiceID: "nope", Amount: 1, Reference: "MPESA-005",
		})
		if errors.Cause(err) != billing.ErrInvoiceNotFound {
			t.Errorf("ApplyPayment() error = %v; want ErrInvoiceNotFound", err)
		}
	})

	t.Run("foreign parent may not pay", func(t *testing.T) {
		stranger := testutil.CreateParent(t, env.usrRepo, "Strange", "R", "stranger@test.cd")
		inv2 := testutil.CreateInvoice(t, env.billRepo, std.ID, "2026-T2", 150000, time.Now().AddDate(0, 4, 0))

		_, _, err := env.billSvc.ApplyPayment(ctx, env.caller(stranger), billing.NewPayment{
			InvoiceID: inv2.ID, Amount: 1000, Reference: "MPESA-006",
		})
		if errors.Cause(err) != billing.ErrPermissionDenied {
			t.Errorf("ApplyPayment() error = %v; want ErrPermissionDenied", err)
		}
	})
}

func Test_service_ApplyPayment_concurrent(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	std := testutil.CreateStudent(t, env.billRepo, "John", "Doe", "ADM001", "Grade 4", "")
	inv := testutil.CreateInvoice(t, env.billRepo, std.ID, "2026-T1", 100000, time.Now().AddDate(0, 1, 0))

	// 10 payers race; at most 4 of 25000 each can land
	const payers = 10
	var wg sync.WaitGroup
	errs := make([]error, payers)

	wg.Add(payers)
	for i := 0; i < payers; i++ {
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = env.billSvc.ApplyPayment(ctx, adminCaller, billing.NewPayment{
				InvoiceID: inv.ID,
				Amount:    25000,
				Reference: fmt.Sprintf("MPESA-%03d", i),
			})
		}(i)
	}
	wg.Wait()

	var applied int
	for i, err := range errs {
		switch errors.Cause(err) {
		case nil:
			applied++
		case billing.ErrInvoiceSettled, billing.ErrOverpayment, billing.ErrUpdateConflict:
			// losers of the race
		default:
			t.Errorf("payer %d: unexpected error %v", i, err)
		}
	}

	refreshed, err := env.billRepo.GetInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetInvoice() failed: %v", err)
	}
	if refreshed.AmountPaid != int64(applied)*25000 {
		t.Errorf("AmountPaid = %d; want %d", refreshed.AmountPaid, int64(applied)*25000)
	}
	if refreshed.AmountPaid > refreshed.Amount {
		t.Errorf("invoice overpaid: %d > %d", refreshed.AmountPaid, refreshed.Amount)
	}

	payments, err := env.billRepo.QueryPayments(ctx, &billing.PaymentFilter{InvoiceID: inv.ID}, nil)
	if err != nil {
		t.Fatalf("QueryPayments() failed: %v", err)
	}
	if len(payments) != applied {
		t.Errorf("len(payments) = %d; want %d", len(payments), applied)
	}
}

func Test_service_queryScoping(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	parent1 := testutil.CreateParent(t, env.usrRepo, "Jane", "Doe", "jane@test.cd")
	parent2 := testutil.CreateParent(t, env.usrRepo, "Joe", "Blow", "joe@test.cd")

	std1, _ := env.billSvc.CreateStudent(ctx, billing.NewStudent{
		FirstName: "John", LastName: "Doe", AdmissionNumber: "ADM001", ParentEmail: parent1.Email,
	})
	std2, _ := env.billSvc.CreateStudent(ctx, billing.NewStudent{
		FirstName: "Jim", LastName: "Blow", AdmissionNumber: "ADM002", ParentEmail: parent2.Email,
	})

	inv1 := testutil.CreateInvoice(t, env.billRepo, std1.ID, "2026-T1", 100000, time.Now().AddDate(0, 1, 0))
	testutil.CreateInvoice(t, env.billRepo, std2.ID, "2026-T1", 200000, time.Now().AddDate(0, 1, 0))

	if _, _, err := env.billSvc.ApplyPayment(ctx, env.caller(parent1), billing.NewPayment{
		InvoiceID: inv1.ID, Amount: 40000, Reference: "MPESA-001",
	}); err != nil {
		t.Fatalf("ApplyPayment() failed: %v", err)
	}

	caller1 := env.caller(parent1)

	t.Run("students", func(t *testing.T) {
		students, err := env.billSvc.QueryStudents(ctx, caller1, nil)
		if err != nil {
			t.Fatalf("QueryStudents() failed: %v", err)
		}
		if len(students) != 1 || students[0].ID != std1.ID {
			t.Errorf("QueryStudents() = %+v; want only %s", students, std1.ID)
		}
	})

	t.Run("invoices", func(t *testing.T) {
		invoices, err := env.billSvc.QueryInvoices(ctx, caller1, nil)
		if err != nil {
			t.Fatalf("QueryInvoices() failed: %v", err)
		}
		if len(invoices) != 1 || invoices[0].ID != inv1.ID {
			t.Errorf("QueryInvoices() = %+v; want only %s", invoices, inv1.ID)
		}
	})

	t.Run("payments", func(t *testing.T) {
		payments, err := env.billSvc.QueryPayments(ctx, caller1, nil)
		if err != nil {
			t.Fatalf("QueryPayments() failed: %v", err)
		}
		if len(payments) != 1 || payments[0].InvoiceID != inv1.ID {
			t.Errorf("QueryPayments() = %+v; want only payments of %s", payments, inv1.ID)
		}
	})

	t.Run("foreign student detail is denied", func(t *testing.T) {
		_, err := env.billSvc.GetStudent(ctx, caller1, std2.ID)
		if errors.Cause(err) != billing.ErrPermissionDenied {
			t.Errorf("GetStudent() error = %v; want ErrPermissionDenied", err)
		}
	})

	t.Run("foreign student invoice listing is denied", func(t *testing.T) {
		_, err := env.billSvc.QueryInvoices(ctx, caller1, &billing.InvoiceFilter{StudentID: std2.ID})
		if errors.Cause(err) != billing.ErrPermissionDenied {
			t.Errorf("QueryInvoices() error = %v; want ErrPermissionDenied", err)
		}
	})

	t.Run("admin sees everything", func(t *testing.T) {
		students, err := env.billSvc.QueryStudents(ctx, adminCaller, nil)
		if err != nil {
			t.Fatalf("QueryStudents() failed: %v", err)
		}
		if len(students) != 2 {
			t.Errorf("len(students) = %d; want 2", len(students))
		}
	})
}

func Test_service_DeleteStudents_cascade(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	parent := testutil.CreateParent(t, env.usrRepo, "Jane", "Doe", "jane@test.cd")
	std, _ := env.billSvc.CreateStudent(ctx, billing.NewStudent{
		FirstName: "John", LastName: "Doe", AdmissionNumber: "ADM001", ParentEmail: parent.Email,
	})
	inv := testutil.CreateInvoice(t, env.billRepo, std.ID, "2026-T1", 100000, time.Now().AddDate(0, 1, 0))
	if _, _, err := env.billSvc.ApplyPayment(ctx, env.caller(parent), billing.NewPayment{
		InvoiceID: inv.ID, Amount: 40000, Reference: "MPESA-001",
	}); err != nil {
		t.Fatalf("ApplyPayment() failed: %v", err)
	}

	if err := env.billSvc.DeleteStudents(ctx, std.ID); err != nil {
		t.Fatalf("DeleteStudents() failed: %v", err)
	}

	if _, err := env.billSvc.GetStudent(ctx, adminCaller, std.ID); errors.Cause(err) != billing.ErrStudentNotFound {
		t.Errorf("GetStudent() error = %v; want ErrStudentNotFound", err)
	}
	if _, err := env.billSvc.GetInvoice(ctx, adminCaller, inv.ID); errors.Cause(err) != billing.ErrInvoiceNotFound {
		t.Errorf("GetInvoice() error = %v; want ErrInvoiceNotFound", err)
	}

	invoices, err := env.billSvc.QueryInvoices(ctx, env.caller(parent), nil)
	if err != nil {
		t.Fatalf("QueryInvoices() failed: %v", err)
	}
	if len(invoices) != 0 {
		t.Errorf("QueryInvoices() = %+v; want none", invoices)
	}
	payments, err := env.billSvc.QueryPayments(ctx, env.caller(parent), nil)
	if err != nil {
		t.Fatalf("QueryPayments() failed: %v", err)
	}
	if len(payments) != 0 {
		t.Errorf("QueryPayments() = %+v; want none", payments)
	}
}

func Test_service_CheckAdmissionNumberUniqueness(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	std := testutil.CreateStudent(t, env.billRepo, "John", "Doe", "ADM001", "Grade 4", "")

	if err := env.billSvc.CheckAdmissionNumberUniqueness(ctx, "adm001"); err == nil {
		t.Error("CheckAdmissionNumberUniqueness() = nil; want conflict")
	} else if _, ok := errors.Cause(err).(*core.ConflictError); !ok {
		t.Errorf("CheckAdmissionNumberUniqueness() error = %T; want *core.ConflictError", err)
	}

	if err := env.billSvc.CheckAdmissionNumberUniqueness(ctx, "ADM999"); err != nil {
		t.Errorf("CheckAdmissionNumberUniqueness() = %v; want nil", err)
	}

	// excluding the student itself passes
	if err := env.billSvc.CheckAdmissionNumberUniqueness(ctx, "ADM001", std); err != nil {
		t.Errorf("CheckAdmissionNumberUniqueness(excl) = %v; want nil", err)
	}
}

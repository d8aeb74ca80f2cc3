package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/trezcool/karo/core/account"
	"github.com/trezcool/karo/core/billing"
)

func CreateUser(
	t *testing.T,
	repo account.Repository,
	firstName, lastName, email, pwd string,
	roles []string,
	isActive bool,
	createdAt ...time.Time,
) account.User {
	t.Helper()

	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	usr := account.User{
		FirstName: firstName,
		LastName:  lastName,
		Email:     email,
		Roles:     roles,
		IsActive:  &isActive,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("CreateUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return usr
}

func CreateParent(t *testing.T, repo account.Repository, firstName, lastName, email string) account.User {
	t.Helper()
	return CreateUser(t, repo, firstName, lastName, email, "Test1234!", []string{account.RoleParent}, true)
}

func CreateAdmin(t *testing.T, repo account.Repository, firstName, lastName, email string) account.User {
	t.Helper()
	return CreateUser(t, repo, firstName, lastName, email, "Test1234!", account.AllRoles, true)
}

func CreateStudent(
	t *testing.T,
	repo billing.Repository,
	firstName, lastName, admNo, className, parentEmail string,
) billing.Student {
	t.Helper()

	now := time.Now().UTC()
	std, err := repo.CreateStudent(context.Background(), billing.Student{
		FirstName:       firstName,
		LastName:        lastName,
		AdmissionNumber: admNo,
		ClassName:       className,
		ParentEmail:     parentEmail,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		t.Fatalf("CreateStudent() failed: %v", err)
	}
	return std
}

func CreateInvoice(
	t *testing.T,
	repo billing.Repository,
	studentID, term string,
	amount int64,
	dueDate time.Time,
) billing.Invoice {
	t.Helper()

	now := time.Now().UTC()
	inv, err := repo.CreateInvoice(context.Background(), billing.Invoice{
		StudentID: studentID,
		Term:      term,
		Amount:    amount,
		Status:    billing.StatusUnpaid,
		DueDate:   dueDate,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateInvoice() failed: %v", err)
	}
	return inv
}

package account_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/account"
	emailsvc "github.com/trezcool/karo/services/email"
	"github.com/trezcool/karo/storage/database/inmem"
	testutil "github.com/trezcool/karo/tests"
)

func setup(t *testing.T) (account.Service, account.Repository) {
	t.Helper()

	conf := core.NewConfig()
	conf.TestMode = true

	db, err := inmemdb.Open()
	if err != nil {
		t.Fatalf("inmemdb.Open() failed: %v", err)
	}
	repo := inmemdb.NewUserRepository(db)
	mailSvc := emailsvc.NewConsoleServiceMock(conf)
	return account.NewServiceMock(repo, mailSvc, conf), repo
}

// linkerSpy records deferred parent link requests.
type linkerSpy struct {
	calls int
	email string
}

func (l *linkerSpy) LinkParentStudents(ctx context.Context, parentID, email string) (int, error) {
	l.calls++
	l.email = email
	return 0, nil
}

func Test_service_Register(t *testing.T) {
	svc, _ := setup(t)
	linker := new(linkerSpy)
	svc.SetLinker(linker)
	ctx := context.Background()

	usr, err := svc.Register(ctx, account.RegisterParent{
		FirstName:       "Jane",
		LastName:        "Doe",
		Email:           "jane@test.cd",
		PhoneNumber:     "+243970000000",
		Password:        "Tr0ub4dor&3",
		PasswordConfirm: "Tr0ub4dor&3",
	})
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	if !usr.IsParent() {
		t.Errorf("Roles = %v; want parent", usr.Roles)
	}
	if usr.IsAdmin() {
		t.Errorf("Roles = %v; registration must not grant admin", usr.Roles)
	}
	if usr.IsActive == nil || !*usr.IsActive {
		t.Error("expected an active account")
	}
	if err := usr.CheckPassword("Tr0ub4dor&3"); err != nil {
		t.Errorf("CheckPassword() failed: %v", err)
	}
	if linker.calls != 1 || linker.email != "jane@test.cd" {
		t.Errorf("linker calls = %d (email %q); want 1 call for jane@test.cd", linker.calls, linker.email)
	}
}

func Test_service_CheckUniqueness(t *testing.T) {
	svc, repo := setup(t)
	ctx := context.Background()

	usr := testutil.CreateParent(t, repo, "Jane", "Doe", "jane@test.cd")

	if err := svc.CheckUniqueness(ctx, "Jane@Test.CD"); err == nil {
		t.Error("CheckUniqueness() = nil; want conflict")
	} else if _, ok := errors.Cause(err).(*core.ConflictError); !ok {
		t.Errorf("CheckUniqueness() error = %T; want *core.ConflictError", err)
	}

	if err := svc.CheckUniqueness(ctx, "new@test.cd"); err != nil {
		t.Errorf("CheckUniqueness() = %v; want nil", err)
	}

	if err := svc.CheckUniqueness(ctx, "jane@test.cd", usr); err != nil {
		t.Errorf("CheckUniqueness(excl) = %v; want nil", err)
	}
}

func Test_service_Update(t *testing.T) {
	svc, repo := setup(t)
	ctx := context.Background()

	usr := testutil.CreateParent(t, repo, "Jane", "Doe", "jane@test.cd")

	inactive := false
	updated, err := svc.Update(ctx, usr.ID, account.UpdateAccount{
		FirstName: "Janet",
		IsActive:  &inactive,
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if updated.FirstName != "Janet" {
		t.Errorf("FirstName = %s; want Janet", updated.FirstName)
	}
	if updated.LastName != "Doe" {
		t.Errorf("LastName = %s; want Doe (unchanged)", updated.LastName)
	}
	if updated.IsActive == nil || *updated.IsActive {
		t.Error("expected a deactivated account")
	}

	_, err = svc.Update(ctx, "nope", account.UpdateAccount{FirstName: "X"})
	if errors.Cause(err) != account.ErrNotFound {
		t.Errorf("Update() error = %v; want ErrNotFound", err)
	}
}

func Test_service_ResetPassword(t *testing.T) {
	svc, repo := setup(t)
	ctx := context.Background()

	usr := testutil.CreateParent(t, repo, "Jane", "Doe", "jane@test.cd")

	token, err := account.MakeToken(usr)
	if err != nil {
		t.Fatalf("MakeToken() failed: %v", err)
	}

	t.Run("invalid uid", func(t *testing.T) {
		err := svc.ResetPassword(ctx, account.ResetUserPassword{
			UID: "!!!", Token: token, Password: "NewPass1!", PasswordConfirm: "NewPass1!",
		})
		if _, ok := errors.Cause(err).(*core.ValidationError); !ok {
			t.Errorf("ResetPassword() error = %T; want *core.ValidationError", err)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		err := svc.ResetPassword(ctx, account.ResetUserPassword{
			UID: account.EncodeUID(usr), Token: "lol-token", Password: "NewPass1!", PasswordConfirm: "NewPass1!",
		})
		if _, ok := errors.Cause(err).(*core.ValidationError); !ok {
			t.Errorf("ResetPassword() error = %T; want *core.ValidationError", err)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		err := svc.ResetPassword(ctx, account.ResetUserPassword{
			UID: account.EncodeUID(usr), Token: token, Password: "NewPass1!", PasswordConfirm: "NewPass1!",
		})
		if err != nil {
			t.Fatalf("ResetPassword() failed: %v", err)
		}

		refreshed, err := svc.GetByID(ctx, usr.ID)
		if err != nil {
			t.Fatalf("GetByID() failed: %v", err)
		}
		if err := refreshed.CheckPassword("NewPass1!"); err != nil {
			t.Errorf("CheckPassword() failed after reset: %v", err)
		}
	})

	t.Run("token is single use", func(t *testing.T) {
		err := svc.ResetPassword(ctx, account.ResetUserPassword{
			UID: account.EncodeUID(usr), Token: token, Password: "Other1!aa", PasswordConfirm: "Other1!aa",
		})
		if _, ok := errors.Cause(err).(*core.ValidationError); !ok {
			t.Errorf("ResetPassword() error = %T; want *core.ValidationError", err)
		}
	})
}

func Test_service_Query(t *testing.T) {
	svc, repo := setup(t)
	ctx := context.Background()

	parent := testutil.CreateParent(t, repo, "Jane", "Doe", "jane@test.cd")
	admin := testutil.CreateAdmin(t, repo, "Boss", "Man", "boss@test.cd")

	t.Run("all", func(t *testing.T) {
		users, err := svc.Query(ctx, nil)
		if err != nil {
			t.Fatalf("Query() failed: %v", err)
		}
		if len(users) != 2 {
			t.Errorf("len(users) = %d; want 2", len(users))
		}
	})

	t.Run("by role", func(t *testing.T) {
		users, err := svc.Query(ctx, &account.QueryFilter{Roles: []string{account.RoleAdmin}})
		if err != nil {
			t.Fatalf("Query() failed: %v", err)
		}
		if len(users) != 1 || users[0].ID != admin.ID {
			t.Errorf("Query(admin) = %+v; want only %s", users, admin.ID)
		}
	})

	t.Run("search", func(t *testing.T) {
		users, err := svc.Query(ctx, &account.QueryFilter{Search: "jane"})
		if err != nil {
			t.Fatalf("Query() failed: %v", err)
		}
		if len(users) != 1 || users[0].ID != parent.ID {
			t.Errorf("Query(jane) = %+v; want only %s", users, parent.ID)
		}
	})
}

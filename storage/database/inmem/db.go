package inmemdb

import (
	"sync"

	"github.com/trezcool/karo/core/account"
	"github.com/trezcool/karo/core/billing"
)

// DB is an in-memory store used in tests and local development.
//
// Lock ordering: users > students > invoices > payments. Any code taking
// more than one table lock must acquire them in that order.
type DB struct {
	users    *userTable
	students *studentTable
	invoices *invoiceTable
	payments *paymentTable
}

type (
	userTable struct {
		mutex sync.RWMutex
		table map[string]*account.User
	}

	studentTable struct {
		mutex sync.RWMutex
		table map[string]*billing.Student
	}

	invoiceTable struct {
		mutex sync.RWMutex
		table map[string]*billing.Invoice
	}

	paymentTable struct {
		mutex sync.RWMutex
		table map[string]*billing.Payment
	}
)

func Open() (*DB, error) {
	db := &DB{
		users:    &userTable{table: make(map[string]*account.User)},
		students: &studentTable{table: make(map[string]*billing.Student)},
		invoices: &invoiceTable{table: make(map[string]*billing.Invoice)},
		payments: &paymentTable{table: make(map[string]*billing.Payment)},
	}
	return db, nil
}

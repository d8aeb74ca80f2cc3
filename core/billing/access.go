package billing

import (
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"
)

var ErrPermissionDenied = errors.New("permission denied")

// Op is a guarded billing operation.
type Op string

const (
	OpStudentRead   Op = "student:read"
	OpStudentWrite  Op = "student:write"
	OpInvoiceRead   Op = "invoice:read"
	OpInvoiceWrite  Op = "invoice:write"
	OpPaymentRead   Op = "payment:read"
	OpPaymentCreate Op = "payment:create"
	OpLinkParent    Op = "link:parent"
)

// parentOps are the operations a parent may perform on records owned by
// their own account. Everything else is admin only.
var parentOps = map[Op]bool{
	OpStudentRead:   true,
	OpInvoiceRead:   true,
	OpPaymentRead:   true,
	OpPaymentCreate: true,
}

// Caller identifies the authenticated account on whose behalf an
// operation runs.
type Caller struct {
	ID    string
	Admin bool
}

// Authorize decides whether caller may perform op on a record owned by
// ownerID. Admins may perform any operation on any record. Parents may
// only perform parentOps on records linked to their own account; an
// unlinked record (null ownerID) is never visible to a parent.
func Authorize(caller Caller, op Op, ownerID null.String) error {
	if caller.Admin {
		return nil
	}
	if !parentOps[op] {
		return ErrPermissionDenied
	}
	if !ownerID.Valid || ownerID.String != caller.ID {
		return ErrPermissionDenied
	}
	return nil
}

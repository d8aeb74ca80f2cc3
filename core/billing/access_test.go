package billing

import (
	"testing"

	"github.com/volatiletech/null/v8"
)

func TestAuthorize(t *testing.T) {
	admin := Caller{ID: "adm1", Admin: true}
	parent := Caller{ID: "par1"}

	tests := []struct {
		name     string
		caller   Caller
		op       Op
		ownerID  null.String
		wantDeny bool
	}{
		{name: "admin reads any student", caller: admin, op: OpStudentRead, ownerID: null.String{}},
		{name: "admin writes any student", caller: admin, op: OpStudentWrite, ownerID: null.StringFrom("par1")},
		{name: "admin links parents", caller: admin, op: OpLinkParent, ownerID: null.String{}},
		{name: "admin pays foreign invoice", caller: admin, op: OpPaymentCreate, ownerID: null.StringFrom("par2")},

		{name: "parent reads own student", caller: parent, op: OpStudentRead, ownerID: null.StringFrom("par1")},
		{name: "parent reads own invoice", caller: parent, op: OpInvoiceRead, ownerID: null.StringFrom("par1")},
		{name: "parent pays own invoice", caller: parent, op: OpPaymentCreate, ownerID: null.StringFrom("par1")},
		{name: "parent reads own payments", caller: parent, op: OpPaymentRead, ownerID: null.StringFrom("par1")},

		{name: "parent reads foreign student", caller: parent, op: OpStudentRead, ownerID: null.StringFrom("par2"), wantDeny: true},
		{name: "parent pays foreign invoice", caller: parent, op: OpPaymentCreate, ownerID: null.StringFrom("par2"), wantDeny: true},
		{name: "parent reads unlinked student", caller: parent, op: OpStudentRead, ownerID: null.String{}, wantDeny: true},
		{name: "parent writes own student", caller: parent, op: OpStudentWrite, ownerID: null.StringFrom("par1"), wantDeny: true},
		{name: "parent creates invoice", caller: parent, op: OpInvoiceWrite, ownerID: null.StringFrom("par1"), wantDeny: true},
		{name: "parent links parent", caller: parent, op: OpLinkParent, ownerID: null.StringFrom("par1"), wantDeny: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.caller, tt.op, tt.ownerID)
			if tt.wantDeny {
				if err != ErrPermissionDenied {
					t.Errorf("Authorize() = %v; want ErrPermissionDenied", err)
				}
			} else if err != nil {
				t.Errorf("Authorize() = %v; want nil", err)
			}
		})
	}
}

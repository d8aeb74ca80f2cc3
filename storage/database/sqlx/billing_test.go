package sqlxrepos

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/trezcool/karo/core/billing"
)

// recordingDriver serves empty result sets and remembers every query so a
// test can tell which connection a read went through.
type recordingDriver struct{ queries []string }

type recordingConnector struct{ d *recordingDriver }

func (c recordingConnector) Connect(context.Context) (driver.Conn, error) {
	return &recordingConn{d: c.d}, nil
}
func (c recordingConnector) Driver() driver.Driver { return c.d }

func (d *recordingDriver) Open(string) (driver.Conn, error) { return &recordingConn{d: d}, nil }

type recordingConn struct{ d *recordingDriver }

func (c *recordingConn) Prepare(query string) (driver.Stmt, error) {
	return &recordingStmt{c: c, query: query}, nil
}
func (c *recordingConn) Close() error              { return nil }
func (c *recordingConn) Begin() (driver.Tx, error) { return noopTx{}, nil }

type noopTx struct{}

func (noopTx) Commit() error   { return nil }
func (noopTx) Rollback() error { return nil }

type recordingStmt struct {
	c     *recordingConn
	query string
}

func (s *recordingStmt) Close() error  { return nil }
func (s *recordingStmt) NumInput() int { return -1 }
func (s *recordingStmt) Exec([]driver.Value) (driver.Result, error) {
	s.c.d.queries = append(s.c.d.queries, s.query)
	return driver.RowsAffected(0), nil
}
func (s *recordingStmt) Query([]driver.Value) (driver.Rows, error) {
	s.c.d.queries = append(s.c.d.queries, s.query)
	return emptyRows{}, nil
}

type emptyRows struct{}

func (emptyRows) Columns() []string         { return nil }
func (emptyRows) Close() error              { return nil }
func (emptyRows) Next([]driver.Value) error { return io.EOF }

func Test_billingRepository_readsFollowExecutor(t *testing.T) {
	repoDrv := &recordingDriver{}
	execDrv := &recordingDriver{}
	repo := NewBillingRepository(sqlx.NewDb(sql.OpenDB(recordingConnector{d: repoDrv}), "postgres"))
	exec := sql.OpenDB(recordingConnector{d: execDrv})
	ctx := context.Background()

	t.Run("student by ID", func(t *testing.T) {
		if _, err := repo.GetStudent(ctx, billing.GetStudentFilter{ID: uuid.New().String()}, exec); err != billing.ErrStudentNotFound {
			t.Errorf("err = %v; want %v", err, billing.ErrStudentNotFound)
		}
	})
	t.Run("student by admission number", func(t *testing.T) {
		if _, err := repo.GetStudent(ctx, billing.GetStudentFilter{AdmissionNumber: "adm001"}, exec); err != billing.ErrStudentNotFound {
			t.Errorf("err = %v; want %v", err, billing.ErrStudentNotFound)
		}
	})
	t.Run("invoice", func(t *testing.T) {
		if _, err := repo.GetInvoice(ctx, uuid.New().String(), exec); err != billing.ErrInvoiceNotFound {
			t.Errorf("err = %v; want %v", err, billing.ErrInvoiceNotFound)
		}
	})
	t.Run("payment by reference", func(t *testing.T) {
		if _, err := repo.GetPaymentByReference(ctx, "REF-001", exec); err != billing.ErrPaymentNotFound {
			t.Errorf("err = %v; want %v", err, billing.ErrPaymentNotFound)
		}
	})

	if len(repoDrv.queries) > 0 {
		t.Errorf("reads went through the repository handle: %q", repoDrv.queries)
	}
	if len(execDrv.queries) != 4 {
		t.Errorf("executor saw %d reads; want 4", len(execDrv.queries))
	}
}

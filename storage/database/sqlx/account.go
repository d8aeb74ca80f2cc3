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
	"github.com/trezcool/karo/core/account"
)

// pqUniqueViolation is the postgres error code for unique constraint violations.
const pqUniqueViolation = "23505"

type userRow struct {
	ID           string         `db:"id"`
	FirstName    null.String    `db:"first_name"`
	LastName     null.String    `db:"last_name"`
	Email        null.String    `db:"email"`
	PhoneNumber  null.String    `db:"phone_number"`
	IsActive     null.Bool      `db:"is_active"`
	Roles        pq.StringArray `db:"roles"`
	PasswordHash null.Bytes     `db:"password_hash"`
	CreatedAt    null.Time      `db:"created_at"`
	UpdatedAt    null.Time      `db:"updated_at"`
	LastLogin    null.Time      `db:"last_login"`
}

type userRepository struct {
	db *sqlx.DB
}

var _ account.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *sqlx.DB) *userRepository {
	return &userRepository{db: db}
}

func (repo userRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 {
		return svcExec[0]
	}
	return repo.db
}

func (repo userRepository) row(usr account.User) userRow {
	return userRow{
		ID:           usr.ID,
		FirstName:    null.NewString(usr.FirstName, usr.FirstName != ""),
		LastName:     null.NewString(usr.LastName, usr.LastName != ""),
		Email:        null.NewString(usr.Email, usr.Email != ""),
		PhoneNumber:  null.NewString(usr.PhoneNumber, usr.PhoneNumber != ""),
		IsActive:     null.BoolFromPtr(usr.IsActive),
		Roles:        usr.Roles,
		PasswordHash: null.BytesFrom(usr.PasswordHash),
		CreatedAt:    null.NewTime(usr.CreatedAt.UTC(), !usr.CreatedAt.IsZero()),
		UpdatedAt:    null.NewTime(usr.UpdatedAt.UTC(), !usr.UpdatedAt.IsZero()),
		LastLogin:    null.NewTime(usr.LastLogin.UTC(), !usr.LastLogin.IsZero()),
	}
}

func (repo userRepository) unrow(row userRow) account.User {
	return account.User{
		ID:           row.ID,
		FirstName:    row.FirstName.String,
		LastName:     row.LastName.String,
		Email:        row.Email.String,
		PhoneNumber:  row.PhoneNumber.String,
		IsActive:     row.IsActive.Ptr(),
		Roles:        row.Roles,
		PasswordHash: row.PasswordHash.Bytes,
		CreatedAt:    row.CreatedAt.Time,
		UpdatedAt:    row.UpdatedAt.Time,
		LastLogin:    row.LastLogin.Time,
	}
}

func (repo userRepository) unrowSlice(rows []userRow) []account.User {
	users := make([]account.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, repo.unrow(row))
	}
	return users
}

// trapNoRowsErr maps psql "no rows" err to account.ErrNotFound
func (repo userRepository) trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return account.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func (repo userRepository) CheckEmailUniqueness(ctx context.Context, email string, excludedUsers []account.User, exec ...core.DBExecutor) error {
	query := `SELECT EXISTS (SELECT 1 FROM account WHERE lower(email) = lower($1)`
	args := []interface{}{email}
	if len(excludedUsers) > 0 {
		ids := make([]string, 0, len(excludedUsers))
		for _, u := range excludedUsers {
			ids = append(ids, u.ID)
		}
		query += ` AND NOT (id = ANY($2))`
		args = append(args, pq.Array(ids))
	}
	query += `)`

	var exists bool
	if err := repo.getExec(exec).QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return errors.Wrap(err, "checking account uniqueness")
	}
	if exists {
		return account.ErrEmailExists
	}
	return nil
}

func (repo userRepository) CreateUser(ctx context.Context, usr account.User, exec ...core.DBExecutor) (account.User, error) {
	usr.ID = uuid.New().String()
	row := repo.row(usr)

	_, err := repo.getExec(exec).ExecContext(ctx,
		`INSERT INTO account (id, first_name, last_name, email, phone_number, is_active, roles, password_hash, created_at, updated_at, last_login)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		row.ID, row.FirstName, row.LastName, row.Email, row.PhoneNumber, row.IsActive,
		row.Roles, row.PasswordHash, row.CreatedAt, row.UpdatedAt, row.LastLogin,
	)
	if err != nil {
		if pqErr, ok := errors.Cause(err).(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			return account.User{}, account.ErrEmailExists
		}
		return account.User{}, errors.Wrap(err, "inserting account")
	}
	return usr, nil
}

func (repo userRepository) GetUser(ctx context.Context, filter account.GetFilter, exec ...core.DBExecutor) (account.User, error) {
	var row userRow

	if filter.ID != "" {
		if _, err := uuid.Parse(filter.ID); err != nil {
			return account.User{}, account.ErrNotFound
		}
		if err := repo.db.GetContext(ctx, &row, `SELECT * FROM account WHERE id = $1`, filter.ID); err != nil {
			return account.User{}, repo.trapNoRowsErr(err, "finding account by ID")
		}
	} else {
		if filter.Email == "" {
			return account.User{}, account.ErrNotFound
		}
		if err := repo.db.GetContext(ctx, &row, `SELECT * FROM account WHERE lower(email) = lower($1)`, filter.Email); err != nil {
			return account.User{}, repo.trapNoRowsErr(err, "finding account by email")
		}
	}
	return repo.unrow(row), nil
}

func (repo userRepository) QueryUsers(ctx context.Context, filter *account.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]account.User, error) {
	query := `SELECT * FROM account`
	var conds []string
	var args []interface{}

	arg := func(val interface{}) string {
		args = append(args, val)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter != nil {
		if filter.Search != "" {
			val := "%" + filter.Search + "%"
			p := arg(val)
			conds = append(conds, fmt.Sprintf("(first_name ILIKE %[1]s OR last_name ILIKE %[1]s OR email ILIKE %[1]s)", p))
		}
		if len(filter.Roles) > 0 {
			conds = append(conds, fmt.Sprintf("roles && %s", arg(pq.Array(filter.Roles))))
		}
		if filter.IsActive != nil {
			conds = append(conds, fmt.Sprintf("is_active = %s", arg(*filter.IsActive)))
		}
		if !filter.CreatedFrom.IsZero() {
			conds = append(conds, fmt.Sprintf("created_at >= %s", arg(filter.CreatedFrom.UTC())))
		}
		if !filter.CreatedTo.IsZero() {
			conds = append(conds, fmt.Sprintf("created_at <= %s", arg(filter.CreatedTo.UTC())))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += orderBy(ordering, "created_at ASC")

	var rows []userRow
	if err := repo.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "querying accounts")
	}
	return repo.unrowSlice(rows), nil
}

func (repo userRepository) UpdateUser(ctx context.Context, usr account.User, isActive *bool, exec ...core.DBExecutor) (account.User, error) {
	if usr.UpdatedAt.IsZero() {
		usr.UpdatedAt = time.Now().UTC()
	}
	row := repo.row(usr)

	res, err := repo.getExec(exec).ExecContext(ctx,
		`UPDATE account SET
			first_name = COALESCE($2, first_name),
			last_name = COALESCE($3, last_name),
			email = COALESCE($4, email),
			phone_number = COALESCE($5, phone_number),
			is_active = COALESCE($6, is_active),
			roles = COALESCE($7, roles),
			password_hash = COALESCE($8, password_hash),
			updated_at = $9,
			last_login = COALESCE($10, last_login)
		 WHERE id = $1`,
		row.ID, row.FirstName, row.LastName, row.Email, row.PhoneNumber, null.BoolFromPtr(isActive),
		rolesOrNil(usr.Roles), row.PasswordHash, row.UpdatedAt, row.LastLogin,
	)
	if err != nil {
		if pqErr, ok := errors.Cause(err).(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			return account.User{}, account.ErrEmailExists
		}
		return account.User{}, errors.Wrap(err, "updating account")
	}
	if cnt, err := res.RowsAffected(); err == nil && cnt == 0 {
		return account.User{}, account.ErrNotFound
	}
	return repo.GetUser(ctx, account.GetFilter{ID: usr.ID}, exec...)
}

func (repo userRepository) DeleteUsersByID(ctx context.Context, ids []string, exec ...core.DBExecutor) (int, error) {
	res, err := repo.getExec(exec).ExecContext(ctx, `DELETE FROM account WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, errors.Wrap(err, "deleting accounts")
	}
	cnt, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "deleting accounts")
	}
	return int(cnt), nil
}

func rolesOrNil(roles []string) interface{} {
	if roles == nil {
		return nil
	}
	return pq.StringArray(roles)
}

// orderBy renders an ORDER BY clause from ordering, falling back to def.
func orderBy(ordering []core.DBOrdering, def string) string {
	if len(ordering) == 0 {
		if def == "" {
			return ""
		}
		return " ORDER BY " + def
	}
	orderList := make([]string, 0, len(ordering))
	for _, ord := range ordering {
		orderList = append(orderList, ord.String())
	}
	return " ORDER BY " + strings.Join(orderList, ", ")
}

package main

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/account"
)

// addAdmin promotes an existing account or creates a new one with all roles.
func (cli *commandLine) addAdmin(email, pwd string) error {
	ctx := context.Background()
	email = core.CleanString(email, true /* lower */)

	usr, err := cli.usrRepo.GetUser(ctx, account.GetFilter{Email: email})
	if err != nil {
		if errors.Cause(err) != account.ErrNotFound {
			return err
		}
		now := time.Now().UTC()
		usr = account.User{
			Email:     email,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	usr.Roles = account.AllRoles
	if err := usr.SetPassword(pwd); err != nil {
		return err
	}

	active := true
	if usr.ID == "" {
		usr.IsActive = &active
		_, err = cli.usrRepo.CreateUser(ctx, usr)
		return err
	}
	_, err = cli.usrRepo.UpdateUser(ctx, usr, &active)
	return err
}

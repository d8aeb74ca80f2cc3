package billing

import (
	"github.com/trezcool/karo/core"
)

// NewServiceMock returns a Service with a nil DB for use in tests;
// settlements run against the repository directly.
func NewServiceMock(repo Repository, parents ParentDirectory, mailSvc core.EmailService, conf *core.Config) Service {
	return &service{
		repo:    repo,
		parents: parents,
		mailSvc: mailSvc,
		conf:    conf,
	}
}

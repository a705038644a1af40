// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"net/http"

	"github.com/wtsi-npg/ranger/lib/catalog"
)

// Authorizer decides whether a request may read the resolved files.
// Credential lookup lives outside this module; deployments plug their
// auth layer in here.
type Authorizer interface {
	// Authorize returns nil to allow the request, or an error whose
	// message is safe to show the client. The controller maps any
	// error to 403.
	Authorize(ctx context.Context, r *http.Request, files []catalog.Record) error
}

// AllowAll authorizes every request. The default for deployments
// where access control happens upstream (or not at all).
type AllowAll struct{}

// Authorize implements Authorizer.
func (AllowAll) Authorize(context.Context, *http.Request, []catalog.Record) error {
	return nil
}

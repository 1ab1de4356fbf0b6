// Package pipeline is the explicit request-pipeline abstraction that
// replaces decorator-style middleware for auth/idempotency/validation: a
// chain of stages composed by Chain. A Stage is a plain function value with
// no state of its own; a stage that needs a dependency (e.g. the
// idempotency stage's cache client) reaches it through the closure it was
// built in.
package pipeline

import (
	"errors"
	"net/http"

	"github.com/ridecore/matching/internal/apperr"
)

// Context carries one request through the stage chain.
type Context struct {
	Req       *http.Request
	SubjectID string // set by the auth stage
	Body      []byte // raw request body, read once by the boundary layer
}

// Response is what a handler (or a short-circuiting stage) produces.
type Response struct {
	StatusCode int
	Body       []byte
}

// Next invokes the remainder of the chain.
type Next func(*Context) (*Response, error)

// Stage is one link in the chain: it may inspect/modify the Context, call
// next to continue, or short-circuit by returning its own Response/error.
type Stage func(ctx *Context, next Next) (*Response, error)

// Chain composes stages into a single Next, outermost first, terminated by
// handler.
func Chain(handler Next, stages ...Stage) Next {
	next := handler
	for i := len(stages) - 1; i >= 0; i-- {
		stage := stages[i]
		captured := next
		next = func(c *Context) (*Response, error) {
			return stage(c, captured)
		}
	}
	return next
}

// StatusFor maps an error to the HTTP status the boundary layer should
// write, defaulting to 500 for anything not already an *apperr.Error.
func StatusFor(err error) int {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.HTTPStatus()
	}
	return http.StatusInternalServerError
}

package api

import (
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned when no caller identity is attached to
// the request.
var ErrUnauthenticated = errors.New("unauthenticated")

// UserDirectory resolves the authenticated caller of a request.
// Authentication itself happens upstream.
type UserDirectory interface {
	CurrentUser(r *http.Request) (string, error)
}

const DefaultUserHeader = "X-User-ID"

// HeaderDirectory trusts a header set by the auth proxy in front of the
// service.
type HeaderDirectory struct {
	Header string
}

func (d HeaderDirectory) CurrentUser(r *http.Request) (string, error) {
	header := d.Header
	if header == "" {
		header = DefaultUserHeader
	}
	id := strings.TrimSpace(r.Header.Get(header))
	if id == "" {
		return "", ErrUnauthenticated
	}
	return id, nil
}

package core

import "errors"

// Shared error kinds. Services wrap these with fmt.Errorf("...: %w", ...) so
// the HTTP layer can classify any error with errors.Is without importing
// every service package.
var (
	// ErrNotFound covers both genuinely missing rows and rows that exist in
	// another workspace. The two cases are deliberately indistinguishable.
	ErrNotFound = errors.New("resource not found")

	// ErrUnauthenticated means no valid session or token accompanied the request.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden means the caller is known but not allowed.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict covers state-machine violations and optimistic-lock losses.
	ErrConflict = errors.New("conflict")

	// ErrUnprocessable covers semantically invalid input that passed parsing.
	ErrUnprocessable = errors.New("unprocessable")

	// ErrRateLimited means a quota window is exhausted.
	ErrRateLimited = errors.New("rate limited")

	// ErrGone means the resource existed but its recovery window has closed.
	ErrGone = errors.New("gone")

	// ErrBadRequest covers failures an upstream provider reported for a
	// syntactically valid request, surfaced to the caller with the message.
	ErrBadRequest = errors.New("bad request")
)

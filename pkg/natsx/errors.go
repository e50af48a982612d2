package natsx

import "errors"

var (
	// ErrInvalidToken is returned for subject tokens outside [a-z0-9_].
	ErrInvalidToken = errors.New("invalid subject token")
	// ErrInvalidClass is returned for subject classes not in AllowedClasses.
	ErrInvalidClass = errors.New("subject class not allowed")
)

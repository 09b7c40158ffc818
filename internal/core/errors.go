package core

import "errors"

var (
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrWrongMode          = errors.New("operation not available in this authentication mode")
	ErrMissingCredentials = errors.New("username and password are required")
	ErrAdminPassword      = errors.New("incorrect admin password")
	ErrAdminRequired      = errors.New("administrator access required")
	ErrNoCourse           = errors.New("no course selected")
	ErrUnknownCourse      = errors.New("unknown course")
	ErrEmptyQuestion      = errors.New("question cannot be empty")
	ErrEmptyFile          = errors.New("file name and content are required")
	ErrEmptyFilename      = errors.New("filename cannot be empty")
	ErrUnknownStatsKind   = errors.New("unknown statistics kind")
)

// IsLocal reports whether err was raised before any request reached the backend.
func IsLocal(err error) bool {
	for _, local := range []error{
		ErrNotAuthenticated, ErrWrongMode, ErrMissingCredentials, ErrAdminPassword,
		ErrAdminRequired, ErrNoCourse, ErrUnknownCourse, ErrEmptyQuestion, ErrEmptyFile, ErrEmptyFilename,
		ErrUnknownStatsKind,
	} {
		if errors.Is(err, local) {
			return true
		}
	}
	return false
}

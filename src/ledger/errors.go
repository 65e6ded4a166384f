package ledger

import "errors"

var (
	// ErrDuplicateSubmission means the form response was already turned into
	// an application; the caller should skip it.
	ErrDuplicateSubmission = errors.New("submission already processed")

	// ErrApplicationNotFound means no application exists for the given id.
	ErrApplicationNotFound = errors.New("application not found")

	// ErrApplicationResolved means the application reached a terminal status
	// and no further votes or transitions are accepted.
	ErrApplicationResolved = errors.New("application already resolved")

	// ErrActionFailed means the outcome side effect failed after the status
	// was committed; the resolution stands and the failure is recorded.
	ErrActionFailed = errors.New("outcome action failed")
)

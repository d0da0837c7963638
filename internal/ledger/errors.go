package ledger

import (
	"errors"
	"fmt"
)

// CommitErrorKind classifies a failed root submission.
type CommitErrorKind string

const (
	// KindTransient covers network failures and 5xx responses; the same
	// submission may succeed if retried.
	KindTransient CommitErrorKind = "transient"
	// KindIndexCollision means the registry already holds a root at the
	// submitted batch index. The caller must refresh its index view
	// before retrying.
	KindIndexCollision CommitErrorKind = "index_collision"
	// KindPermanent covers rejections that retrying cannot fix.
	KindPermanent CommitErrorKind = "permanent"
)

type CommitError struct {
	Kind    CommitErrorKind
	Code    string
	Message string
	Cause   error
}

func (e *CommitError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("commit failed (%s/%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("commit failed (%s): %s", e.Kind, e.Message)
}

func (e *CommitError) Unwrap() error { return e.Cause }

// IsIndexCollision reports whether err is a batch index collision.
func IsIndexCollision(err error) bool {
	var ce *CommitError
	return errors.As(err, &ce) && ce.Kind == KindIndexCollision
}

// HasCode reports whether err carries the given registry error code.
func HasCode(err error, code string) bool {
	var ce *CommitError
	return errors.As(err, &ce) && ce.Code == code
}

// IsTransient reports whether err is worth retrying as-is.
func IsTransient(err error) bool {
	var ce *CommitError
	return errors.As(err, &ce) && ce.Kind == KindTransient
}

func transientErr(message string, cause error) *CommitError {
	return &CommitError{Kind: KindTransient, Message: message, Cause: cause}
}

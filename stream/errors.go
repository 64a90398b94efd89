package stream

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/aws/smithy-go"
	pkgerrors "github.com/pkg/errors"
)

// captureStacks toggles deep call-site stack preservation in wrapped
// errors. It's read once at process start.
var captureStacks = os.Getenv("LAGOON_CAPTURE_STACKS") != ""

// Error is a typed failure of a provider call. Code preserves the
// provider's error code when one was available.
type Error struct {
	Op   string
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrapErr builds an *Error for |op|, capturing the call-site stack when
// the environment knob is set.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if captureStacks {
		err = pkgerrors.WithStack(err)
	}
	return &Error{Op: op, Code: errorCode(err), Err: err}
}

// errorCode extracts the provider's stable error code, if any.
func errorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

// bailCodes are never retried: retrying cannot change the outcome.
var bailCodes = map[string]bool{
	"ValidationException":             true,
	"ValidationError":                 true,
	"InvalidArgumentException":        true,
	"MissingParameter":                true,
	"MissingRequiredParameter":        true,
	"ResourceNotFoundException":       true,
	"ConditionalCheckFailedException": true,
	"ExpiredIteratorException":        true,
	"UnknownOperationException":       true,
	"ResourceInUseException":          true,
	"NoSuchBucket":                    true,
	"NoSuchKey":                       true,
}

// forceRetry reports transient network failures that are retried
// regardless of any other classification.
func forceRetry(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// RetriableCode reports whether a provider error code names a condition
// that a fresh attempt could resolve.
func RetriableCode(code string) bool {
	return !bailCodes[code]
}

// shouldRetry classifies one failed attempt.
func shouldRetry(err error) bool {
	if forceRetry(err) {
		return true
	}
	return !bailCodes[errorCode(err)]
}

package connection

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/go-kivik/kivik/v4"

	"github.com/couchlike/couchlike.go/pkg/constants"
)

// KVKeyNotFound is the cluster status for "the key does not exist on the server".
const KVKeyNotFound = 13

// ErrFeedEnded is returned by a stream whose server closed the feed. The
// feed can be resumed from the last sequence seen.
var ErrFeedEnded = errors.New("change feed ended by server")

// HTTPError is a non-2xx response of an HTTP engine.
type HTTPError struct {
	StatusCode int
	Name       string
	Reason     string
	// Err is the client error the response was read from, if any.
	Err error
}

// StatusError converts an error carrying an HTTP status, such as the ones
// returned by kivik, into an *HTTPError. Other errors are returned unchanged.
func StatusError(err error) error {
	var coder statusCoder
	if err == nil || !errors.As(err, &coder) {
		return err
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return err
	}
	return &HTTPError{StatusCode: kivik.HTTPStatus(err), Reason: err.Error(), Err: err}
}

// NewHTTPError parses a CouchDB style `{"error": ..., "reason": ...}` body.
// Bodies in any other shape are kept whole as the reason.
func NewHTTPError(status int, body []byte) *HTTPError {
	e := &HTTPError{StatusCode: status}
	if name, err := jsonparser.GetString(body, "error"); err == nil {
		e.Name = name
	}
	if reason, err := jsonparser.GetString(body, "reason"); err == nil {
		e.Reason = reason
	}
	if e.Name == "" && e.Reason == "" {
		e.Reason = strings.TrimSpace(string(body))
	}
	return e
}

func (e *HTTPError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Name, e.Reason)
}

// HTTPStatus satisfies kivik's status coder.
func (e *HTTPError) HTTPStatus() int {
	return e.StatusCode
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// Is makes 409 responses match constants.ErrConcurrencyConflict.
func (e *HTTPError) Is(target error) bool {
	return target == constants.ErrConcurrencyConflict && e.StatusCode == http.StatusConflict
}

type statusCoder interface {
	HTTPStatus() int
}

// KVCoder is implemented by errors carrying a cluster status code.
type KVCoder interface {
	KVCode() int
}

// IsNotFound reports whether err is any engine's way of saying the document
// does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, constants.ErrNotFound) {
		return true
	}
	var coder statusCoder
	if errors.As(err, &coder) {
		switch kivik.HTTPStatus(err) {
		case http.StatusNotFound:
			return true
		case http.StatusInternalServerError:
			// Sync Gateway reports some missing documents as a 500 wrapping
			// the upstream 404.
			reason := err.Error()
			return strings.Contains(reason, "404") || strings.Contains(reason, "not_found")
		}
		return false
	}
	var kv KVCoder
	if errors.As(err, &kv) {
		return kv.KVCode() == KVKeyNotFound
	}
	return false
}

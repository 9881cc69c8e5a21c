package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidConfig indicates that the client configuration is unusable.
var ErrInvalidConfig = errors.New("remote: invalid config")

// ConnectivityError reports that the remote replica could not be reached at all.
type ConnectivityError struct {
	Operation string
	Err       error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("remote: %s: unreachable: %v", e.Operation, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// RemoteError reports a non-2xx response from the remote replica.
type RemoteError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: %s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("remote: %s: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr) && remoteErr.StatusCode == http.StatusNotFound
}

// IsConnectivity reports whether err means the remote replica was unreachable.
func IsConnectivity(err error) bool {
	var connectivityErr *ConnectivityError
	return errors.As(err, &connectivityErr)
}

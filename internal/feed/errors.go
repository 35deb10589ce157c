package feed

import "fmt"

// InvalidRequestError reports a malformed query parameter. Nothing has
// touched the store when it is returned.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Message
}

func invalidRequest(format string, args ...any) *InvalidRequestError {
	return &InvalidRequestError{Message: fmt.Sprintf(format, args...)}
}

// UnsupportedAlgorithmError reports a feed uri this generator does not serve.
type UnsupportedAlgorithmError struct {
	Feed string
}

func (e *UnsupportedAlgorithmError) Error() string {
	return "unsupported algorithm: " + e.Feed
}

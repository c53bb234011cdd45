package util

import "fmt"

// MyResponseError is an error that already knows which HTTP status and reason
// it should be rendered with.
type MyResponseError struct {
	Msg    string
	Reason string
	Status int
}

func (e MyResponseError) Error() string { return e.Msg }

func NewResponseError(status int, reason string, format string, args ...interface{}) error {
	return MyResponseError{
		Msg:    fmt.Sprintf(format, args...),
		Reason: reason,
		Status: status,
	}
}

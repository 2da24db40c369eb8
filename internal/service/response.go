// Package service implements the operations the desktop UI invokes. Expected
// domain failures are returned as Response values; anything else is an
// error for the caller to log and surface as an exception.
package service

import (
	"errors"
	"fmt"
	"net/http"
)

// Response is the structured result of a service call.
type Response[T any] struct {
	OK         bool   `json:"ok"`
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error,omitempty"`
	Data       T      `json:"data,omitempty"`
}

// Success wraps data in an OK response.
func Success[T any](data T) Response[T] {
	return Response[T]{OK: true, StatusCode: http.StatusOK, Data: data}
}

// Fail builds a failed response.
func Fail[T any](statusCode int, message string) Response[T] {
	return Response[T]{StatusCode: statusCode, Error: message}
}

// Status exposes the envelope fields without the type parameter.
func (r Response[T]) Status() (ok bool, statusCode int, message string) {
	return r.OK, r.StatusCode, r.Error
}

// Payload returns Data as an untyped value.
func (r Response[T]) Payload() any {
	return r.Data
}

// Result is implemented by every Response instantiation.
type Result interface {
	Status() (ok bool, statusCode int, message string)
	Payload() any
}

// Failure is an expected domain failure raised inside a service and turned
// into a Response at the method boundary.
type Failure struct {
	StatusCode int
	Message    string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%d: %s", f.StatusCode, f.Message)
}

func fail(code int, format string, args ...any) *Failure {
	return &Failure{StatusCode: code, Message: fmt.Sprintf(format, args...)}
}

// Messages the UI keys off.
const (
	MsgNotLoggedIn       = "not logged in"
	MsgNoCommunity       = "no community selected"
	MsgBallotClosed      = "ballot is closed"
	MsgVoteWouldNotApply = "vote does not change your position"
)

var errUnauthenticated = &Failure{StatusCode: http.StatusUnauthorized, Message: MsgNotLoggedIn}

// respond turns (data, err) into a Response, keeping unexpected errors as
// errors.
func respond[T any](data T, err error) (Response[T], error) {
	if err != nil {
		var f *Failure
		if errors.As(err, &f) {
			return Fail[T](f.StatusCode, f.Message), nil
		}
		return Response[T]{}, err
	}
	return Success(data), nil
}

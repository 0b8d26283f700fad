package cloud

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when a resource does not exist in the cloud.
	ErrNotFound = errors.New("resource not found in cloud")

	// ErrConflict is returned when a resource already exists or is in a
	// state that forbids the operation.
	ErrConflict = errors.New("resource conflict")

	// ErrUnauthorized is returned when credentials are rejected.
	ErrUnauthorized = errors.New("unauthorized")
)

// APIError is an error reported by a cloud.
type APIError struct {
	Cloud      string
	Kind       string
	ID         string
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	target := e.Kind
	if e.ID != "" {
		target += "/" + e.ID
	}
	return fmt.Sprintf("cloud %s: %s: %d %s", e.Cloud, target, e.StatusCode, e.Message)
}

// Is maps status codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

func notFound(cloud, kind, id string) error {
	return &APIError{Cloud: cloud, Kind: kind, ID: id, StatusCode: http.StatusNotFound, Message: "not found"}
}

func conflict(cloud, kind, id, msg string) error {
	return &APIError{Cloud: cloud, Kind: kind, ID: id, StatusCode: http.StatusConflict, Message: msg}
}

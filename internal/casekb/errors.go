package casekb

import (
	"context"
	"encoding/json"
	"errors"
	"net"
)

// ErrorType classifies a pipeline failure. The values are persisted in the
// tracking tables, so they must stay stable.
type ErrorType string

const (
	ErrorNetwork    ErrorType = "network_error"
	ErrorParse      ErrorType = "parse_error"
	ErrorAPI        ErrorType = "api_error"
	ErrorTimeout    ErrorType = "timeout_error"
	ErrorValidation ErrorType = "validation_error"
	ErrorCrawl      ErrorType = "crawl_error"
	ErrorEmbedding  ErrorType = "embedding_error"
	ErrorDB         ErrorType = "db_error"
)

// StatusError marks a well-formed error response from the remote source.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "remote returned error status"
}

// Classify maps a fetch/parse error onto the taxonomy used by the tracking
// tables. Unknown errors are treated as network failures, the most common
// cause in practice.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrorTimeout
	case isParseError(err):
		return ErrorParse
	case isStatusError(err):
		return ErrorAPI
	default:
		return ErrorNetwork
	}
}

func isParseError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func isStatusError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr)
}

package engine

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// SPI result codes. Negative values are failures.
const (
	SPIErrorConnect     = -1
	SPIErrorCopy        = -2
	SPIErrorOpUnknown   = -3
	SPIErrorUnconnected = -4
	SPIErrorCursor      = -5
	SPIErrorArgument    = -6
	SPIErrorParam       = -7
	SPIErrorTransaction = -8
	SPIErrorNoAttribute = -9

	SPIOKConnect = 1
	SPIOKFinish  = 2
	SPIOKFetch   = 3
	SPIOKUtility = 4
	SPIOKSelect  = 5
	SPIOKInsert  = 7
	SPIOKDelete  = 8
	SPIOKUpdate  = 9
	SPIOKCursor  = 10
)

var spiCodeNames = map[int]string{
	SPIErrorConnect:     "SPI_ERROR_CONNECT",
	SPIErrorCopy:        "SPI_ERROR_COPY",
	SPIErrorOpUnknown:   "SPI_ERROR_OPUNKNOWN",
	SPIErrorUnconnected: "SPI_ERROR_UNCONNECTED",
	SPIErrorCursor:      "SPI_ERROR_CURSOR",
	SPIErrorArgument:    "SPI_ERROR_ARGUMENT",
	SPIErrorParam:       "SPI_ERROR_PARAM",
	SPIErrorTransaction: "SPI_ERROR_TRANSACTION",
	SPIErrorNoAttribute: "SPI_ERROR_NOATTRIBUTE",
	SPIOKConnect:        "SPI_OK_CONNECT",
	SPIOKFinish:         "SPI_OK_FINISH",
	SPIOKFetch:          "SPI_OK_FETCH",
	SPIOKUtility:        "SPI_OK_UTILITY",
	SPIOKSelect:         "SPI_OK_SELECT",
	SPIOKInsert:         "SPI_OK_INSERT",
	SPIOKDelete:         "SPI_OK_DELETE",
	SPIOKUpdate:         "SPI_OK_UPDATE",
	SPIOKCursor:         "SPI_OK_CURSOR",
}

// SPICodeString names an SPI result code.
func SPICodeString(code int) string {
	if name, ok := spiCodeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown RC %d", code)
}

// SPIError is a failure code returned by an SPI primitive. It does not abort the
// transaction.
type SPIError struct {
	Op   string
	Code int
}

func (e *SPIError) Error() string {
	return fmt.Sprintf("%s() failed - %s", e.Op, SPICodeString(e.Code))
}

// AbortError is an engine error raised inside a transaction. Once raised the
// transaction can only be rolled back; callers must pass it through unchanged.
type AbortError struct {
	Level   Level
	Message string
	Detail  string
	cause   error
}

func (e *AbortError) Error() string {
	return e.Message
}

func (e *AbortError) Unwrap() error {
	return e.cause
}

// IsAbort reports whether err carries an engine abort.
func IsAbort(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}

// AsAbort extracts the engine abort carried by err.
func AsAbort(err error) (*AbortError, bool) {
	var ae *AbortError
	ok := errors.As(err, &ae)
	return ae, ok
}

const errAborted = "current transaction is aborted, commands ignored until end of transaction block"

// raise marks the running transaction aborted and returns the abort. The first abort
// of a transaction is the one reported at its end.
func (s *Session) raise(level Level, cause error, format string, args ...any) *AbortError {
	ae := &AbortError{Level: level, Message: fmt.Sprintf(format, args...), cause: cause}
	if cause != nil {
		ae.Detail = errors.FlattenDetails(cause)
	}
	if s.abortErr == nil {
		s.abortErr = ae
	}
	return ae
}

// sqlError turns a SQLite failure into an engine abort.
func (s *Session) sqlError(err error, query string) error {
	if ae, ok := AsAbort(err); ok {
		return ae
	}
	return s.raise(LevelError, errors.Wrapf(err, "query %q", query), "%s", err.Error())
}

// checkAborted fails every statement issued after the transaction was aborted.
func (s *Session) checkAborted() error {
	if s.abortErr != nil {
		return &AbortError{Level: LevelError, Message: errAborted, cause: s.abortErr}
	}
	return nil
}

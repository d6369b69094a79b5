package engine

// Error codes returned by engine capability calls. These are carried as
// structured data on Error rather than distinguished by sentinel wrapping,
// so callers can classify failures without string matching.
const (
	CodeMissingDependency = "MISSING_DEPENDENCY"
	CodeMissingPrompt     = "MISSING_PROMPT"
	CodeAPIError          = "API_ERROR"
	CodeParseError        = "PARSE_ERROR"
	CodeOCRError          = "OCR_ERROR"
	CodeInvalidLanguage   = "INVALID_LANGUAGE"
	CodeUnknownTask       = "UNKNOWN_TASK"
	CodeUnknownEngine     = "UNKNOWN_ENGINE"
)

// Error is the single structured error type engine capabilities fail with.
// It carries a short machine-readable Code alongside a human Message and
// satisfies the error interface.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// NewError constructs an *Error, the idiomatic way engine adapters in this
// package report capability failures.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

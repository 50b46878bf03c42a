package transfer

import "fmt"

// InvalidContentError represents a stream that cannot be stored as an audiobook file, such as
// an empty body or one shorter than its announced length.
type InvalidContentError struct {
	AudiobookID string // Audiobook whose stream was rejected
	Reason      string // Human-readable explanation of why the content is invalid
	Err         error  // Underlying error, if any
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("invalid audio content for %s: %s", e.AudiobookID, e.Reason)
}

func (e *InvalidContentError) Unwrap() error {
	return e.Err
}

// NetworkError represents network failures and streaming service errors including 5xx
// responses and connection timeouts.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "open_stream")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}
	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// DirectoryError represents failures preparing the download directory.
type DirectoryError struct {
	DirectoryName string // The directory that caused the error
	Reason        string // Human-readable explanation of the directory error
	Err           error  // Underlying error, if any
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory error for '%s': %s", e.DirectoryName, e.Reason)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents 401 Unauthorized and 403 Forbidden responses from the
// streaming service.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

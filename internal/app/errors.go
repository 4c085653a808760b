package app

// DomainError carries the HTTP status a failure maps to. The boundary turns
// it into the `{error, success:false}` wire shape.
type DomainError struct {
	Status  int
	Message string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func domainError(status int, message string) *DomainError {
	return &DomainError{Status: status, Message: message}
}

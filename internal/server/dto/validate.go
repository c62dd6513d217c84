package dto

// Validatable is implemented by request types that can validate their fields.
// server.Wrap uses it as a type constraint so that every request type provides
// validation.
type Validatable interface {
	Validate() error
}

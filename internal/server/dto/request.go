package dto

import "github.com/hooktable/hooktable/internal/errors"

// CredentialsRequest names a table and proves the caller may act on it.
// Create, retrieve, retrieveStream and export all take it.
type CredentialsRequest struct {
	TableID       string `json:"tableId"`
	Password      string `json:"password"`
	HCaptchaToken string `json:"hCaptchaToken"`
}

// Validate checks that all three fields are present. The table id format is
// checked after the captcha.
func (r *CredentialsRequest) Validate() error {
	if r.TableID == "" || r.Password == "" || r.HCaptchaToken == "" {
		return errors.MissingField("password, tableId and hCaptchaToken are required")
	}
	return nil
}

// CreateRequest is a request to create a table.
type CreateRequest = CredentialsRequest

// RetrieveRequest is a request to read a table.
type RetrieveRequest = CredentialsRequest

// HealthRequest is a request to check the server health.
type HealthRequest struct{}

// Validate implements Validatable.
func (r *HealthRequest) Validate() error {
	return nil
}

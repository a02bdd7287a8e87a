package server

import (
	"encoding/json"
	"net/http"
)

// Error codes returned in the {error, code} JSON body.
const (
	CodeValidation          = "validation_error"
	CodeUnauthorized        = "unauthorized"
	CodeInvalidToken        = "invalid_token"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeJobNotFound         = "job_not_found"
	CodeWorkerNotFound      = "worker_not_found"
	CodeNotFound            = "not_found"
	CodeInvalidState        = "invalid_state"
	CodeStorageError        = "storage_error"
	CodeStorageUploadFailed = "storage_upload_failed"
	CodeDatabaseError       = "database_error"
	CodeAuthError           = "auth_error"
	CodeNoSourceURL         = "no_source_url"
)

// apiError is the single JSON error shape for every endpoint.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Error: msg, Code: code})
}

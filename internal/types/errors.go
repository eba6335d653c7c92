package types

// API error codes
const (
	CodeBadRequest    = "REQUEST_400"
	CodeUnauthorized  = "AUTH_401"
	CodeNotFound      = "NOT_FOUND_404"
	CodeSettings      = "SETTINGS_400"
	CodeStorage       = "STORAGE_500"
	CodeExport        = "EXPORT_500"
	CodeCollectorBusy = "COLLECTOR_409"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be a string, map or struct.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

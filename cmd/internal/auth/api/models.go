package authapi

type sendRegistrationRequest struct {
	Email    string `json:"email"`
	UserName string `json:"userName"`
}

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type otpSentResponse struct {
	Message          string `json:"message"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
}

type resetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

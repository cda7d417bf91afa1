package mail

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"strings"
	"time"
)

//go:embed otp.html
var otpHTML string

var otpTmpl = template.Must(template.New("otp").Parse(otpHTML))

// OTPKind selects the copy of an OTP email.
type OTPKind int

const (
	OTPRegistration OTPKind = iota
	OTPPasswordReset
)

// OTPData is the input to OTPEmail.
type OTPData struct {
	To       string
	Name     string
	Code     string
	Validity time.Duration
	Kind     OTPKind
}

// OTPEmail renders a one-time code email.
func OTPEmail(d OTPData) (Message, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		name = "there"
	}

	subject, title, intro := "Your Pawfect Care verification code", "Verify your email", "Use the code below to finish creating your account."
	if d.Kind == OTPPasswordReset {
		subject, title, intro = "Your Pawfect Care password reset code", "Reset your password", "Use the code below to reset your password."
	}

	var buf bytes.Buffer
	err := otpTmpl.Execute(&buf, struct {
		Title, Name, Intro, Code, Validity string
	}{title, name, intro, d.Code, humanDuration(d.Validity)})
	if err != nil {
		return Message{}, fmt.Errorf("mail: render otp: %w", err)
	}

	msg := Message{To: d.To, Subject: subject, HTML: buf.String()}
	return msg, msg.Validate()
}

func humanDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "a few minutes"
	case d%time.Minute == 0:
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	default:
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
}

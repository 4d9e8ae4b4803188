package twilio

import (
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client"
)

// SignatureHeader carries Twilio's request signature
const SignatureHeader = "X-Twilio-Signature"

// SignatureValidator checks that webhook requests were signed by Twilio
type SignatureValidator struct {
	validator     client.RequestValidator
	publicBaseURL string
}

// NewSignatureValidator creates a validator for the account's auth token
func NewSignatureValidator(authToken, publicBaseURL string) *SignatureValidator {
	return &SignatureValidator{
		validator:     client.NewRequestValidator(authToken),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// ValidateRequest verifies a parsed form POST against its signature header
func (v *SignatureValidator) ValidateRequest(r *http.Request) bool {
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for key, values := range r.PostForm {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	return v.validator.Validate(v.publicBaseURL+r.URL.RequestURI(), params, signature)
}

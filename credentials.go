package session

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"
)

// Credentials carry one login attempt. They are transient: never persisted
// beyond the login call.
type Credentials struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

// Validate checks the credentials before they hit the network. The
// identifier may be an email address or a phone number.
func (c Credentials) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(
			&c.Identifier,
			validation.Required,
			validation.Length(3, 254),
			validation.By(validateIdentifier),
		),
		validation.Field(&c.Secret, validation.Required, validation.Length(1, 200)),
	)
}

func validateIdentifier(value any) error {
	s, _ := value.(string)
	if err := is.Email.Validate(s); err == nil {
		return nil
	}
	if _, ok := parsePhone(s); ok {
		return nil
	}
	return errors.New("must be a valid email or phone number")
}

// NormalizeIdentifier canonicalizes the login identifier: emails are
// lowercased, phone numbers are formatted E.164 so the backend sees one
// spelling per account.
func NormalizeIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if strings.Contains(identifier, "@") {
		return strings.ToLower(identifier)
	}
	if num, ok := parsePhone(identifier); ok {
		return phonenumbers.Format(num, phonenumbers.E164)
	}
	return identifier
}

func parsePhone(s string) (*phonenumbers.PhoneNumber, bool) {
	if s == "" || strings.Contains(s, "@") {
		return nil, false
	}
	num, err := phonenumbers.Parse(s, defaultPhoneRegion)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return nil, false
	}
	return num, true
}

// defaultPhoneRegion resolves national phone formats; identifiers with a
// leading + are region independent.
const defaultPhoneRegion = "US"

// MfaCode is a second-factor code submitted by the admin portal.
type MfaCode string

// Validate checks the code shape before submission.
func (c MfaCode) Validate() error {
	return validation.Validate(string(c),
		validation.Required,
		validation.Length(4, 10),
		is.Digit,
	)
}

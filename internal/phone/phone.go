package phone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var ErrInvalid = errors.New("invalid phone number")

const jidSuffix = "@s.whatsapp.net"

// Normalize parses a phone in any common notation and returns it in E.164.
// region is used when the number carries no country code.
func Normalize(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}
	if region == "" {
		region = "BR"
	}
	// bare digit strings from the gateway already include the country code
	if isDigits(raw) && len(raw) > 11 {
		raw = "+" + raw
	}

	parsed, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !phonenumbers.IsPossibleNumber(parsed) {
		return "", fmt.Errorf("%w: %s", ErrInvalid, raw)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// GatewayNumber returns the digits-only form the gateway expects in "number"
func GatewayNumber(raw, region string) (string, error) {
	e164, err := Normalize(raw, region)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(e164, "+"), nil
}

// FromJID converts a WhatsApp JID such as 5511999990000@s.whatsapp.net to
// E.164. Group and broadcast JIDs are rejected.
func FromJID(jid string) (string, error) {
	user, server, found := strings.Cut(jid, "@")
	if found && server != "s.whatsapp.net" && server != "c.us" {
		return "", fmt.Errorf("%w: not a user jid: %s", ErrInvalid, jid)
	}
	// device suffix, e.g. 5511999990000:12
	user, _, _ = strings.Cut(user, ":")
	if !isDigits(user) {
		return "", fmt.Errorf("%w: %s", ErrInvalid, jid)
	}
	return Normalize("+"+user, "")
}

// ToJID converts an E.164 phone to a user JID
func ToJID(e164 string) string {
	return strings.TrimPrefix(e164, "+") + jidSuffix
}

// Variants returns the E.164 forms a contact may be stored under. Brazilian
// mobiles are reported by WhatsApp with or without the ninth digit.
func Variants(e164 string) []string {
	variants := []string{e164}
	if !strings.HasPrefix(e164, "+55") {
		return variants
	}
	national := e164[3:]
	switch {
	case len(national) == 11 && national[2] == '9':
		variants = append(variants, "+55"+national[:2]+national[3:])
	case len(national) == 10 && national[2] >= '6':
		variants = append(variants, "+55"+national[:2]+"9"+national[2:])
	}
	return variants
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

package devices

import (
	"errors"
	"io"
	"regexp"
	"strings"

	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// inviteAlphabet omits I, O, 0, and 1, which read ambiguously when a token
// is dictated or retyped.
const inviteAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var inviteTokenPattern = regexp.MustCompile(`^dbot-[A-Z2-9]{4}-[A-Z2-9]{4}-[A-Z2-9]{4}-[A-Z2-9]{4}$`)

// generateInviteToken produces a token of the form dbot-XXXX-XXXX-XXXX-XXXX.
func generateInviteToken(r io.Reader) (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.New("generate invite token: " + err.Error())
	}

	var b strings.Builder
	b.WriteString("dbot")
	for i, c := range buf {
		if i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(inviteAlphabet[int(c)%len(inviteAlphabet)])
	}
	return b.String(), nil
}

// NormalizeInviteToken uppercases the group characters and trims whitespace,
// so users can paste tokens in any case. The dbot prefix stays lowercase.
func NormalizeInviteToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	upper := strings.ToUpper(token)
	if !strings.HasPrefix(upper, "DBOT-") {
		return token
	}
	return "dbot" + upper[len("DBOT"):]
}

// ValidInviteToken reports whether a string has the invite token shape.
func ValidInviteToken(token string) bool {
	return inviteTokenPattern.MatchString(NormalizeInviteToken(token))
}

// FailReason maps a registry error to the wire-level auth failure reason.
func FailReason(err error) wire.AuthFailReason {
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		return wire.ReasonFingerprintMismatch
	case errors.Is(err, ErrDeviceRevoked):
		return wire.ReasonDeviceRevoked
	case errors.Is(err, ErrInviteNotFound):
		return wire.ReasonInvalidToken
	case errors.Is(err, ErrInviteExpired):
		return wire.ReasonTokenExpired
	case errors.Is(err, ErrInviteExhausted):
		return wire.ReasonTokenConsumed
	case errors.Is(err, ErrInviteRevoked):
		return wire.ReasonTokenRevoked
	default:
		return wire.ReasonInvalidCredentials
	}
}

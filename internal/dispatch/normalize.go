package dispatch

import (
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidRecipient = errors.New("invalid recipient")

const (
	trunkPrefix = "0"
	minDigits   = 7
	maxDigits   = 15
)

// NormalizeDigits strips everything but digits from raw and replaces a leading local
// trunk prefix with countryCode.
//
//	"0300-1234567"   -> "923001234567"
//	"+923001234567"  -> "923001234567"
func NormalizeDigits(raw, countryCode string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, trunkPrefix) {
		digits = countryCode + strings.TrimPrefix(digits, trunkPrefix)
	}
	if len(digits) < minDigits || len(digits) > maxDigits {
		return "", errors.Wrapf(ErrInvalidRecipient, "%q has %d digits after normalization", raw, len(digits))
	}
	return digits, nil
}

// CanonicalAddress returns the network address for raw. Input that already carries
// suffix is accepted as-is when its local part is all digits.
func CanonicalAddress(raw, countryCode, suffix string) (string, error) {
	raw = strings.TrimSpace(raw)
	if suffix != "" && strings.HasSuffix(raw, suffix) {
		local := strings.TrimSuffix(raw, suffix)
		if local != "" && strings.Trim(local, "0123456789") == "" {
			return raw, nil
		}
		return "", errors.Wrapf(ErrInvalidRecipient, "malformed address %q", raw)
	}
	digits, err := NormalizeDigits(raw, countryCode)
	if err != nil {
		return "", err
	}
	return digits + suffix, nil
}

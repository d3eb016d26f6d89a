package daraja

import (
	"encoding/base64"
	"strings"
	"time"

	"pesaflow/internal/domain/transaction"
)

// Daraja expects timestamps in the provider's local zone (EAT, UTC+3).
var eat = time.FixedZone("EAT", 3*3600)

// Timestamp renders t in the canonical Daraja form YYYYMMDDHHmmss (EAT).
func Timestamp(t time.Time) string {
	return t.In(eat).Format("20060102150405")
}

// Password derives the STK push password: base64(shortcode + passkey + timestamp).
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

// ParseTimestamp parses a Daraja YYYYMMDDHHmmss value (callback metadata
// TransactionDate) back into a time in EAT.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation("20060102150405", s, eat)
}

// NormalizePhone canonicalizes a Kenyan MSISDN to international format:
// strip non-digits, a leading 0 becomes 254, a bare subscriber number
// starting 7 or 1 is prefixed 254, and 254-prefixed numbers pass through.
// The result must be exactly 12 digits on a mobile allocation (2547xx or
// 2541xx); landline and unassigned ranges are rejected since a push to them
// can never reach a handset.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "254"):
		// already international
	case strings.HasPrefix(digits, "0"):
		digits = "254" + digits[1:]
	case strings.HasPrefix(digits, "7"), strings.HasPrefix(digits, "1"):
		digits = "254" + digits
	}

	if len(digits) != 12 || (!strings.HasPrefix(digits, "2547") && !strings.HasPrefix(digits, "2541")) {
		return "", &transaction.Error{
			Code:    transaction.ErrInvalidPhone,
			Message: "phone number does not normalize to a 254 mobile MSISDN: " + raw,
		}
	}
	return digits, nil
}

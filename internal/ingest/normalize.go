package ingest

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ErrUnknownNormalizer is returned when a schema names a normalizer that does
// not exist.
var ErrUnknownNormalizer = errors.New("ingest: unknown normalizer")

// Normalizer rewrites one cell value or rejects it.
type Normalizer func(string) (string, error)

var normalizers = map[string]Normalizer{
	"trim":   func(v string) (string, error) { return strings.TrimSpace(v), nil },
	"lower":  func(v string) (string, error) { return strings.ToLower(v), nil },
	"upper":  func(v string) (string, error) { return strings.ToUpper(v), nil },
	"digits": func(v string) (string, error) { return keepDigits(v), nil },
	"email":  normalizeEmail,
	"phone":  normalizePhone,
}

// LookupNormalizer returns the normalizer registered under name.
func LookupNormalizer(name string) (Normalizer, bool) {
	n, ok := normalizers[strings.ToLower(strings.TrimSpace(name))]
	return n, ok
}

// Normalize applies the named normalizers in order. Empty values pass
// through untouched so required checks can report them.
func Normalize(names []string, v string) (string, error) {
	for _, name := range names {
		n, ok := LookupNormalizer(name)
		if !ok {
			return v, fmt.Errorf("%w: %s", ErrUnknownNormalizer, name)
		}
		if v == "" {
			continue
		}
		out, err := n(v)
		if err != nil {
			return v, err
		}
		v = out
	}
	return v, nil
}

func normalizeEmail(v string) (string, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return v, nil
	}
	addr, err := mail.ParseAddress(v)
	if err != nil || addr.Address != v {
		return v, fmt.Errorf("invalid email address %q", v)
	}
	at := strings.LastIndexByte(v, '@')
	if !strings.Contains(v[at+1:], ".") {
		return v, fmt.Errorf("invalid email domain %q", v[at+1:])
	}
	return v, nil
}

// normalizePhone keeps digits and a leading '+'. E.164 allows at most 15
// digits.
func normalizePhone(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return v, nil
	}
	digits := keepDigits(v)
	if len(digits) < 7 || len(digits) > 15 {
		return v, fmt.Errorf("invalid phone number %q", v)
	}
	if strings.HasPrefix(v, "+") {
		return "+" + digits, nil
	}
	return digits, nil
}

func keepDigits(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

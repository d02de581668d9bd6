// Package mask tokenizes identifying customer fields before they are stored.
package mask

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/cost-attribution/internal/model"
)

// Kind names a masked field.
type Kind string

const (
	KindEmail Kind = "email"
	KindPhone Kind = "phone"
)

var (
	tokenPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
	phonePattern = regexp.MustCompile(`^XXX-XXX-[0-9]{4}$`)
)

// Masker tokenizes emails with a salted SHA-256 and redacts phone numbers.
type Masker struct {
	salt string
}

// New returns a Masker. An empty salt is rejected.
func New(salt string) (*Masker, error) {
	if salt == "" {
		return nil, eris.New("mask: salt is required")
	}
	return &Masker{salt: salt}, nil
}

// MaskEmail returns the 64-char hex token for an email address.
func (m *Masker) MaskEmail(raw string) (string, error) {
	email := m.normalizeEmail(raw)
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", eris.Errorf("mask: invalid email %q", redactEmail(raw))
	}
	sum := sha256.Sum256([]byte(m.salt + ":" + email))
	return hex.EncodeToString(sum[:]), nil
}

func (m *Masker) normalizeEmail(raw string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(raw)))
}

// RedactPhone keeps the last four digits: XXX-XXX-1234.
func (m *Masker) RedactPhone(raw string) (string, error) {
	var digits []byte
	for i := 0; i < len(raw); i++ {
		if raw[i] >= '0' && raw[i] <= '9' {
			digits = append(digits, raw[i])
		}
	}
	if len(digits) < 4 {
		return "", eris.Errorf("mask: phone has %d digits, need at least 4", len(digits))
	}
	return "XXX-XXX-" + string(digits[len(digits)-4:]), nil
}

// MaskCustomer converts a raw snapshot record into its masked form.
func (m *Masker) MaskCustomer(rec model.CustomerRecord) (model.CustomerSnapshotRow, error) {
	token, err := m.MaskEmail(rec.Email)
	if err != nil {
		return model.CustomerSnapshotRow{}, eris.Wrapf(err, "mask: customer %s", rec.CustomerID)
	}
	phone, err := m.RedactPhone(rec.Phone)
	if err != nil {
		return model.CustomerSnapshotRow{}, eris.Wrapf(err, "mask: customer %s", rec.CustomerID)
	}
	return model.CustomerSnapshotRow{
		CustomerID:    strings.TrimSpace(rec.CustomerID),
		Tracked:       model.Tracked{Segment: strings.TrimSpace(rec.Segment)},
		EmailToken:    token,
		PhoneRedacted: phone,
		FirstName:     strings.TrimSpace(rec.FirstName),
		LastName:      strings.TrimSpace(rec.LastName),
		CreatedAt:     rec.CreatedAt,
	}, nil
}

// IsMasked reports whether value already has the masked shape for kind.
func IsMasked(value string, kind Kind) bool {
	switch kind {
	case KindEmail:
		return tokenPattern.MatchString(value)
	case KindPhone:
		return phonePattern.MatchString(value)
	default:
		return false
	}
}

// redactEmail keeps error messages free of the full address.
func redactEmail(raw string) string {
	local, domain, ok := strings.Cut(strings.TrimSpace(raw), "@")
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}

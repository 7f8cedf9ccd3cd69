package registry

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"

	"credledger.org/internal/codec"
)

// OrganizationTypes enumerates the accepted issuer categories.
var OrganizationTypes = []string{
	"government",
	"education",
	"financial",
	"healthcare",
	"employer",
	"nonprofit",
	"other",
}

const (
	minName, maxName         = 3, 64
	minFullName, maxFullName = 3, 128
	minWebsite, maxWebsite   = 10, 256
	maxJurisdiction          = 64
)

// ValidateMetadata checks issuer metadata against the registry's field rules.
// Upper bounds are byte counts because that is what the program stores.
func ValidateMetadata(m codec.IssuerMetadata) error {
	if err := checkText("name", m.Name, minName, maxName); err != nil {
		return err
	}
	if err := checkText("fullName", m.FullName, minFullName, maxFullName); err != nil {
		return err
	}
	if err := checkWebsite(m.Website); err != nil {
		return err
	}
	if !lo.Contains(OrganizationTypes, m.OrganizationType) {
		return fmt.Errorf("%w: organizationType must be one of %s", ErrValidation, strings.Join(OrganizationTypes, ", "))
	}
	if strings.TrimSpace(m.Jurisdiction) == "" || len(m.Jurisdiction) > maxJurisdiction {
		return fmt.Errorf("%w: jurisdiction must be 1-%d bytes", ErrValidation, maxJurisdiction)
	}
	return nil
}

func checkText(field, v string, min, max int) error {
	if strings.TrimSpace(v) != v {
		return fmt.Errorf("%w: %s has surrounding whitespace", ErrValidation, field)
	}
	if !utf8.ValidString(v) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrValidation, field)
	}
	if utf8.RuneCountInString(v) < min || len(v) > max {
		return fmt.Errorf("%w: %s must be %d-%d characters", ErrValidation, field, min, max)
	}
	return nil
}

func checkWebsite(v string) error {
	if len(v) < minWebsite || len(v) > maxWebsite {
		return fmt.Errorf("%w: website must be %d-%d bytes", ErrValidation, minWebsite, maxWebsite)
	}
	u, err := url.Parse(v)
	if err != nil {
		return fmt.Errorf("%w: website: %v", ErrValidation, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || !u.IsAbs() {
		return fmt.Errorf("%w: website must be an absolute http(s) URL", ErrValidation)
	}
	// the program checks the literal prefix, so reject e.g. "HTTPS://"
	if !strings.HasPrefix(v, u.Scheme+"://") {
		return fmt.Errorf("%w: website scheme must be lower case", ErrValidation)
	}
	return nil
}

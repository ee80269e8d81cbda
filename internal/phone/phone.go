// Package phone normalizes destination phone numbers into canonical
// messaging-network addresses (JIDs) and validates them per country.
// Malformed numbers are rejected here so no transport call is ever
// attempted with a bad destination.
package phone

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Sdiabate1337/Djula-ai/internal/domain"
)

// NetworkDomain is the address domain for direct messages.
const NetworkDomain = "s.whatsapp.net"

// GroupDomain is the address domain suffix identifying group-originated
// messages.
const GroupDomain = "g.us"

// DefaultCountryCode is assumed when a number carries no dialing code.
const DefaultCountryCode = "221" // Senegal

// countryCodes lists the supported dialing codes. Order matters only for
// prefix detection; no supported code is a prefix of another.
var countryCodes = []string{"212", "221", "223", "225", "226", "227", "228", "229", "224", "234", "233"}

var countryNames = map[string]string{
	"212": "Maroc",
	"221": "Sénégal",
	"223": "Mali",
	"224": "Guinée",
	"225": "Côte d'Ivoire",
	"226": "Burkina Faso",
	"227": "Niger",
	"228": "Togo",
	"229": "Bénin",
	"233": "Ghana",
	"234": "Nigeria",
}

// patterns validate a full "+<cc><local>" number per country.
var patterns = map[string]*regexp.Regexp{
	"212": regexp.MustCompile(`^(?:\+212|0)([567]\d{8})$`),
	"221": regexp.MustCompile(`^(?:\+221|0)(7[0-9]\d{7})$`),
	"223": regexp.MustCompile(`^(?:\+223|0)((?:2|5|6|7)\d{7})$`),
	"224": regexp.MustCompile(`^(?:\+224|0)((?:6|7)\d{7})$`),
	"225": regexp.MustCompile(`^(?:\+225|0)((?:0[1-9]|4[0-9]|5[0-9]|6[0-9])\d{7})$`),
	"226": regexp.MustCompile(`^(?:\+226|0)((?:5|6|7)\d{7})$`),
	"227": regexp.MustCompile(`^(?:\+227|0)((?:9|8)\d{7})$`),
	"228": regexp.MustCompile(`^(?:\+228|0)((?:9|7)\d{7})$`),
	"229": regexp.MustCompile(`^(?:\+229|0)((?:9|6)\d{7})$`),
	"233": regexp.MustCompile(`^(?:\+233|0)((?:2|5)\d{8})$`),
	"234": regexp.MustCompile(`^(?:\+234|0)((?:7|8|9)\d{9})$`),
}

var cleaner = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "", "+", "")

// Format normalizes a destination into "<cc><local>@<domain>" form.
// Inputs already containing "@" are treated as pre-normalized addresses
// and passed through unchanged. Numbers without a recognizable dialing
// code default to [DefaultCountryCode].
func Format(number string) (string, error) {
	number = strings.TrimSpace(number)
	if strings.Contains(number, "@") {
		return number, nil
	}

	cleaned := cleaner.Replace(number)
	cc := detectCountryCode(cleaned)
	if cc == "" {
		cc = DefaultCountryCode
		cleaned = strings.TrimPrefix(cleaned, "0")
	} else {
		cleaned = strings.TrimPrefix(cleaned, cc)
		cleaned = strings.TrimPrefix(cleaned, "0")
	}

	if !patterns[cc].MatchString("+" + cc + cleaned) {
		return "", &domain.VendorError{Op: "format " + CountryName(cc) + " number", Err: domain.ErrInvalidPhoneNumber}
	}
	return cc + cleaned + "@" + NetworkDomain, nil
}

// IsValid reports whether a destination would survive [Format].
func IsValid(number string) bool {
	_, err := Format(number)
	return err == nil
}

// CountryName returns the human name for a supported dialing code.
func CountryName(cc string) string {
	if name, ok := countryNames[cc]; ok {
		return name
	}
	return fmt.Sprintf("unknown country %s", cc)
}

// IsGroupJID reports whether an address denotes a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@"+GroupDomain)
}

func detectCountryCode(cleaned string) string {
	for _, cc := range countryCodes {
		if strings.HasPrefix(cleaned, cc) {
			return cc
		}
	}
	return ""
}

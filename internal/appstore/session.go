package appstore

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Session is the per-account state every store RPC needs. The caller owns
// it: the client reads and updates it in place during a call but never
// retains a reference between calls. Concurrent calls sharing one Session
// must be serialized by the caller.
type Session struct {
	GUID          string
	DSID          string
	PasswordToken string
	DisplayName   string
	Region        string
	Cookies       []*http.Cookie
}

// dsidKeys and the token key lists are the field-name priority order used
// to pull session identity out of a sign-in response. The vendor is not
// consistent about naming; the first present key wins. The nested
// tokenInfo.passwordToken ranks above the legacy alternates.
var (
	dsidKeys          = []string{"dsPersonId", "dsPersonID", "ds-person-id", "dsid", "personId"}
	tokenKeys         = []string{"passwordToken", "passwordTokenInfo"}
	tokenFallbackKeys = []string{"accountPassword", "authToken"}
)

// Absorb extracts account identity fields from a successful sign-in
// response document.
func (s *Session) Absorb(doc map[string]interface{}) {
	if v := firstString(doc, dsidKeys); v != "" {
		s.DSID = v
	}

	if v := firstString(doc, tokenKeys); v != "" {
		s.PasswordToken = v
	} else if v := nestedToken(doc); v != "" {
		s.PasswordToken = v
	} else if v := firstString(doc, tokenFallbackKeys); v != "" {
		s.PasswordToken = v
	}

	if v := stringField(doc, "displayName"); v != "" {
		s.DisplayName = v
	}

	if v := DetectRegion(doc); v != "" {
		s.Region = v
	}
}

func nestedToken(doc map[string]interface{}) string {
	ti, ok := doc["tokenInfo"].(map[string]interface{})
	if !ok {
		return ""
	}

	return stringField(ti, "passwordToken")
}

// absorbCookies merges response cookies into the session, replacing by name.
func (s *Session) absorbCookies(cookies []*http.Cookie) {
	for _, c := range cookies {
		replaced := false

		for i, existing := range s.Cookies {
			if existing.Name == c.Name {
				s.Cookies[i] = c
				replaced = true

				break
			}
		}

		if !replaced {
			s.Cookies = append(s.Cookies, c)
		}
	}
}

// DeviceGUID derives a stable device identifier from the first usable
// hardware address, falling back to a random identifier. Callers persist
// the result so one account keeps one device identity.
func DeviceGUID() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			mac := iface.HardwareAddr.String()
			if mac == "" || mac == "00:00:00:00:00:00" || mac == "ff:ff:ff:ff:ff:ff" {
				continue
			}

			return strings.ToUpper(strings.ReplaceAll(mac, ":", ""))
		}
	}

	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// storefrontRegions maps the vendor's numeric storefront identifiers to
// ISO country codes. Only the common storefronts are mapped; unknown ids
// fall through to the empty string.
var storefrontRegions = map[string]string{
	"143441": "US",
	"143442": "FR",
	"143443": "DE",
	"143444": "GB",
	"143450": "IT",
	"143454": "ES",
	"143455": "CA",
	"143460": "AU",
	"143461": "NZ",
	"143462": "JP",
	"143463": "HK",
	"143464": "SG",
	"143465": "CN",
	"143466": "KR",
	"143467": "IN",
	"143468": "MX",
	"143469": "RU",
	"143470": "TW",
	"143480": "TR",
	"143503": "BR",
}

// DetectRegion guesses the account's storefront region from a sign-in
// response. Returns "" when nothing usable is present.
func DetectRegion(doc map[string]interface{}) string {
	if v := stringField(doc, "countryCode"); v != "" {
		return strings.ToUpper(v)
	}

	if v := stringField(doc, "country"); v != "" {
		return strings.ToUpper(v)
	}

	if v := stringField(doc, "storeFront"); len(v) == 2 {
		return strings.ToUpper(v)
	}

	if v := stringField(doc, "storeFrontId"); v != "" {
		if region, ok := storefrontRegions[v]; ok {
			return region
		}
	}

	return ""
}

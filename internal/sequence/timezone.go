package sequence

import (
	"strings"
	"time"

	"github.com/ignite/outreach-engine/internal/lead"
)

// ResolveTimezone picks the lead's scheduling timezone using the fallback
// chain: explicit timezone field, phone area code, location string, org
// default, UTC. A zone name that fails to load falls through to the next
// source rather than erroring.
func ResolveTimezone(ld *lead.Lead, orgDefault string) *time.Location {
	if ld != nil {
		if loc := loadZone(ld.Timezone); loc != nil {
			return loc
		}
		if zone := zoneFromPhone(ld.Phone); zone != "" {
			if loc := loadZone(zone); loc != nil {
				return loc
			}
		}
		if zone := zoneFromLocation(ld.Location); zone != "" {
			if loc := loadZone(zone); loc != nil {
				return loc
			}
		}
	}
	if loc := loadZone(orgDefault); loc != nil {
		return loc
	}
	return time.UTC
}

func loadZone(name string) *time.Location {
	if name == "" {
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil
	}
	return loc
}

// nanpAreaCodes maps common North American area codes to IANA zones. The
// table covers the high-volume codes; anything absent falls through the
// resolution chain.
var nanpAreaCodes = map[string]string{
	// Eastern
	"212": "America/New_York", "646": "America/New_York", "917": "America/New_York",
	"718": "America/New_York", "516": "America/New_York", "585": "America/New_York",
	"202": "America/New_York", "301": "America/New_York", "410": "America/New_York",
	"215": "America/New_York", "412": "America/New_York", "617": "America/New_York",
	"857": "America/New_York", "203": "America/New_York", "860": "America/New_York",
	"305": "America/New_York", "786": "America/New_York", "407": "America/New_York",
	"404": "America/New_York", "678": "America/New_York", "704": "America/New_York",
	"919": "America/New_York", "216": "America/New_York", "614": "America/New_York",
	"313": "America/New_York", "248": "America/New_York", "416": "America/Toronto",
	"647": "America/Toronto", "514": "America/Toronto",
	// Central
	"312": "America/Chicago", "773": "America/Chicago", "708": "America/Chicago",
	"214": "America/Chicago", "469": "America/Chicago", "972": "America/Chicago",
	"713": "America/Chicago", "281": "America/Chicago", "832": "America/Chicago",
	"512": "America/Chicago", "210": "America/Chicago", "612": "America/Chicago",
	"651": "America/Chicago", "314": "America/Chicago", "816": "America/Chicago",
	"615": "America/Chicago", "901": "America/Chicago", "504": "America/Chicago",
	"414": "America/Chicago", "405": "America/Chicago", "316": "America/Chicago",
	// Mountain
	"303": "America/Denver", "720": "America/Denver", "801": "America/Denver",
	"505": "America/Denver", "406": "America/Denver", "307": "America/Denver",
	// Arizona does not observe DST.
	"602": "America/Phoenix", "480": "America/Phoenix", "623": "America/Phoenix",
	// Pacific
	"206": "America/Los_Angeles", "425": "America/Los_Angeles", "253": "America/Los_Angeles",
	"213": "America/Los_Angeles", "310": "America/Los_Angeles", "323": "America/Los_Angeles",
	"415": "America/Los_Angeles", "510": "America/Los_Angeles", "650": "America/Los_Angeles",
	"408": "America/Los_Angeles", "619": "America/Los_Angeles", "858": "America/Los_Angeles",
	"503": "America/Los_Angeles", "971": "America/Los_Angeles", "702": "America/Los_Angeles",
	"604": "America/Vancouver", "778": "America/Vancouver",
	// Alaska / Hawaii
	"907": "America/Anchorage", "808": "Pacific/Honolulu",
}

// zoneFromPhone extracts a NANP area code from a phone number and maps it
// to an IANA zone. Returns "" when the number is not NANP or unknown.
func zoneFromPhone(phone string) string {
	digits := make([]byte, 0, len(phone))
	for i := 0; i < len(phone); i++ {
		if phone[i] >= '0' && phone[i] <= '9' {
			digits = append(digits, phone[i])
		}
	}
	// NANP numbers are 10 digits, or 11 with a leading country code 1.
	switch len(digits) {
	case 11:
		if digits[0] != '1' {
			return ""
		}
		digits = digits[1:]
	case 10:
	default:
		return ""
	}
	return nanpAreaCodes[string(digits[:3])]
}

// locationZones maps state/province tokens found in free-form location
// strings to IANA zones. Multi-zone states map to their dominant zone.
var locationZones = map[string]string{
	"new york": "America/New_York", "ny": "America/New_York",
	"massachusetts": "America/New_York", "florida": "America/New_York",
	"georgia": "America/New_York", "pennsylvania": "America/New_York",
	"ohio": "America/New_York", "michigan": "America/New_York",
	"virginia": "America/New_York", "north carolina": "America/New_York",
	"illinois": "America/Chicago", "texas": "America/Chicago",
	"tx": "America/Chicago", "minnesota": "America/Chicago",
	"missouri": "America/Chicago", "wisconsin": "America/Chicago",
	"tennessee": "America/Chicago", "louisiana": "America/Chicago",
	"colorado": "America/Denver", "utah": "America/Denver",
	"arizona": "America/Phoenix", "new mexico": "America/Denver",
	"california": "America/Los_Angeles", "ca": "America/Los_Angeles",
	"washington": "America/Los_Angeles", "oregon": "America/Los_Angeles",
	"nevada": "America/Los_Angeles",
	"london": "Europe/London", "united kingdom": "Europe/London", "uk": "Europe/London",
	"berlin": "Europe/Berlin", "germany": "Europe/Berlin",
	"paris": "Europe/Paris", "france": "Europe/Paris",
	"sydney": "Australia/Sydney", "australia": "Australia/Sydney",
	"tokyo": "Asia/Tokyo", "japan": "Asia/Tokyo",
	"singapore": "Asia/Singapore", "india": "Asia/Kolkata",
}

// zoneFromLocation scans a free-form location string ("Austin, TX") for a
// known region token.
func zoneFromLocation(location string) string {
	if location == "" {
		return ""
	}
	lower := strings.ToLower(location)
	// Try comma-separated parts first so "Portland, OR" prefers the state.
	for _, part := range strings.Split(lower, ",") {
		if zone, ok := locationZones[strings.TrimSpace(part)]; ok {
			return zone
		}
	}
	for token, zone := range locationZones {
		if strings.Contains(lower, token) {
			return zone
		}
	}
	return ""
}

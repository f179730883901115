package validate

import (
	"fmt"
	"regexp"
)

// relayRegionRe matches DNS-label-style region tags (e.g. "us-east",
// "eu-west-1"): 1-63 lowercase alphanumeric or hyphens, starting and ending
// with alphanumeric. Prevents relay-registration payloads from injecting
// control characters into logs or the relays table's region column.
var relayRegionRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// RelayRegion checks that a relay's advertised region tag is safe to store
// and log. An empty region is allowed: region is optional in RelayRecord.
func RelayRegion(region string) error {
	if region == "" {
		return nil
	}
	if !relayRegionRe.MatchString(region) {
		return fmt.Errorf("%w: %q must be 1-63 lowercase alphanumeric characters or hyphens, starting and ending with alphanumeric", ErrInvalidRelayRegion, region)
	}
	return nil
}

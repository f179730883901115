package validate

import (
	"fmt"
	"regexp"
)

// partyNameRe matches DNS-label-style party names: 1-63 lowercase
// alphanumeric or hyphens, starting and ending with alphanumeric. This
// keeps party names safe to embed in log fields, file names (the
// discovery-file persistence path), and URL path segments.
var partyNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// PartyName checks that a party's display name is DNS-label safe.
func PartyName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidPartyName)
	}
	if !partyNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q must be 1-63 lowercase alphanumeric characters or hyphens, starting and ending with alphanumeric", ErrInvalidPartyName, name)
	}
	return nil
}

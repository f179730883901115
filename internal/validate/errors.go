package validate

import "errors"

var (
	// ErrInvalidRelayRegion is returned when a relay's region label does not
	// match the DNS-label format (1-63 lowercase alphanumeric + hyphens).
	ErrInvalidRelayRegion = errors.New("invalid relay region")

	// ErrInvalidPartyName is returned when a party name does not match the
	// DNS-label format (1-63 lowercase alphanumeric + hyphens).
	ErrInvalidPartyName = errors.New("invalid party name")
)

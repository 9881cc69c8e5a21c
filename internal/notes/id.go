package notes

import (
	"strings"

	"github.com/google/uuid"
)

// LocalIDPrefix marks identifiers minted on-device that the remote replica has never acknowledged.
const LocalIDPrefix = "temp_"

// IDProvider issues fresh note identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// IsLocalID reports whether id belongs to the local-only id space.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

type uuidProvider struct {
	prefix string
}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

// NewLocalIDProvider constructs an IDProvider that issues local-only identifiers.
func NewLocalIDProvider() IDProvider {
	return &uuidProvider{prefix: LocalIDPrefix}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return p.prefix + value.String(), nil
}

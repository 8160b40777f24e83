// Package identity provides chat user identities and the persistent
// credential store consulted during the login handshake.
package identity

import (
	"strings"
)

// Identity is a user name with the secret it logged in with. Two identities
// are the same user when their names match; the secret is not compared.
type Identity struct {
	Name   string
	Secret string
}

// ParseCredentials parses a "name:secret" handshake frame. Frames with no
// separator or more than one are not credentials.
func ParseCredentials(frame string) (Identity, bool) {
	if strings.Count(frame, separator) != 1 {
		return Identity{}, false
	}
	name, secret, _ := strings.Cut(frame, separator)
	return Identity{Name: name, Secret: secret}, true
}

// String encodes the identity as a handshake frame.
func (id Identity) String() string {
	return id.Name + separator + id.Secret
}

// Equal reports whether two identities name the same user.
func (id Identity) Equal(other Identity) bool {
	return id.Name == other.Name
}

// Package auth provides interfaces and types required for implementing an authenticaor.
package auth

import (
	"encoding/json"
	"time"

	"github.com/roost-im/roost/server/store/types"
)

// User is the identity attached to an authenticated request.
type User struct {
	// Opaque user id.
	Uid types.Uid
	// Human-readable name of the user, like "davidben@ATHENA.MIT.EDU".
	Principal string
}

// Authenticator is the interface which auth providers must implement.
type Authenticator interface {
	// Init initializes the authenticator.
	Init(jsonconf json.RawMessage, name string) error

	// Authenticate: given a user-provided authentication secret (such as a token)
	// return the user and the time when the secret expires (zero, if never) or an error code.
	Authenticate(secret []byte) (*User, time.Time, error)

	// GenSecret generates a new secret, if appropriate. Zero lifetime means the default lifetime.
	GenSecret(user *User, lifetime time.Duration) ([]byte, time.Time, error)
}

var authHandlers = make(map[string]Authenticator)

// Register makes an authenticator available by the provided name.
// If Register is called twice with the same name or if authenticator is nil, it panics.
func Register(name string, handler Authenticator) {
	if handler == nil {
		panic("auth: Register handler is nil")
	}
	if _, dup := authHandlers[name]; dup {
		panic("auth: Register called twice for authenticator " + name)
	}
	authHandlers[name] = handler
}

// Get returns an authenticator by name or nil if no such authenticator is registered.
func Get(name string) Authenticator {
	return authHandlers[name]
}

// Init initializes the named authenticator with the given config.
func Init(name string, jsonconf json.RawMessage) (Authenticator, error) {
	handler := Get(name)
	if handler == nil {
		return nil, types.ErrUnsupported
	}
	if err := handler.Init(jsonconf, name); err != nil {
		return nil, err
	}
	return handler, nil
}

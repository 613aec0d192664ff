// Package anon authenticates every request as the same configured user.
// Meant for development and single-user deployments.
package anon

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/roost-im/roost/server/auth"
	"github.com/roost-im/roost/server/store/types"
)

const (
	defaultUid       = 1
	defaultPrincipal = "roost@localhost"
)

// authenticator is the singleton instance of the anonymous authorizer.
type authenticator struct {
	name string
	user auth.User
}

// Init sets the user to report for every request.
func (a *authenticator) Init(jsonconf json.RawMessage, name string) error {
	if name == "" {
		return errors.New("auth_anonymous: authenticator name cannot be blank")
	}
	if a.name != "" {
		return errors.New("auth_anonymous: already initialized as " + a.name + "; " + name)
	}

	type configType struct {
		Uid       uint64 `json:"uid"`
		Principal string `json:"principal"`
	}
	var config configType
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return errors.New("auth_anonymous: failed to parse config: " + err.Error())
		}
	}
	if config.Uid == 0 {
		config.Uid = defaultUid
	}
	if config.Principal == "" {
		config.Principal = defaultPrincipal
	}

	a.name = name
	a.user = auth.User{Uid: types.Uid(config.Uid), Principal: config.Principal}
	return nil
}

// Authenticate accepts any secret, including none.
func (a *authenticator) Authenticate(_ []byte) (*auth.User, time.Time, error) {
	if a.name == "" {
		return nil, time.Time{}, types.ErrInternal
	}
	user := a.user
	return &user, time.Time{}, nil
}

// GenSecret returns an empty secret which never expires.
func (a *authenticator) GenSecret(_ *auth.User, _ time.Duration) ([]byte, time.Time, error) {
	return []byte{}, time.Time{}, nil
}

func init() {
	auth.Register("anon", &authenticator{})
}

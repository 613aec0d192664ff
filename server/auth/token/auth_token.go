// Package token implements authentication by HMAC-signed security token.
package token

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/roost-im/roost/server/auth"
	"github.com/roost-im/roost/server/store/types"
)

// authenticator is a singleton instance of the authenticator.
type authenticator struct {
	name     string
	hmacSalt []byte
	lifetime time.Duration
}

// tokenLayout defines positioning of various bytes in token.
// [8:UID][4:expires][32:signature] = 44 bytes
type tokenLayout struct {
	// User ID.
	Uid uint64
	// Token expiration time.
	Expires uint32
}

// Init initializes the authenticator: parses the config and sets salt and lifetime.
func (ta *authenticator) Init(jsonconf json.RawMessage, name string) error {
	if ta.name != "" {
		return errors.New("auth_token: already initialized as " + ta.name + "; " + name)
	}

	type configType struct {
		// Key for signing tokens
		Key []byte `json:"key"`
		// Token expiration time
		ExpireIn int `json:"expire_in"`
	}
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("auth_token: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
	}

	if len(config.Key) < sha256.Size {
		return errors.New("auth_token: the key is missing or too short")
	}
	if config.ExpireIn <= 0 {
		return errors.New("auth_token: invalid expiration value")
	}

	ta.name = name
	ta.hmacSalt = config.Key
	ta.lifetime = time.Duration(config.ExpireIn) * time.Second

	return nil
}

// Authenticate checks validity of provided token.
func (ta *authenticator) Authenticate(token []byte) (*auth.User, time.Time, error) {
	var tl tokenLayout
	dataSize := binary.Size(&tl)
	if len(token) != dataSize+sha256.Size {
		return nil, time.Time{}, types.ErrMalformed
	}

	buf := bytes.NewBuffer(token)
	err := binary.Read(buf, binary.LittleEndian, &tl)
	if err != nil {
		return nil, time.Time{}, types.ErrMalformed
	}

	// Check signature.
	hasher := hmac.New(sha256.New, ta.hmacSalt)
	hasher.Write(token[:dataSize])
	if !hmac.Equal(token[dataSize:], hasher.Sum(nil)) {
		return nil, time.Time{}, types.ErrFailed
	}

	// Check token expiration time.
	expires := time.Unix(int64(tl.Expires), 0).UTC()
	if expires.Before(time.Now().Add(1 * time.Second)) {
		return nil, time.Time{}, types.ErrExpired
	}

	uid := types.Uid(tl.Uid)
	if uid.IsZero() {
		return nil, time.Time{}, types.ErrMalformed
	}

	return &auth.User{Uid: uid, Principal: uid.String()}, expires, nil
}

// GenSecret generates a new token.
func (ta *authenticator) GenSecret(user *auth.User, lifetime time.Duration) ([]byte, time.Time, error) {
	if lifetime == 0 {
		lifetime = ta.lifetime
	} else if lifetime < 0 {
		return nil, time.Time{}, types.ErrExpired
	}
	if user.Uid.IsZero() {
		return nil, time.Time{}, types.ErrMalformed
	}
	expires := time.Now().Add(lifetime).UTC().Round(time.Millisecond)

	tl := tokenLayout{
		Uid:     uint64(user.Uid),
		Expires: uint32(expires.Unix()),
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, &tl)
	hasher := hmac.New(sha256.New, ta.hmacSalt)
	hasher.Write(buf.Bytes())
	binary.Write(buf, binary.LittleEndian, hasher.Sum(nil))

	return buf.Bytes(), expires, nil
}

func init() {
	auth.Register("token", &authenticator{})
}

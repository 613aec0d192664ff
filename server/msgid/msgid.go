// Package msgid converts internal sequential message ids into opaque tokens
// which can be handed out to clients as pagination cursors and back.
//
// Token layout before base64url encoding (21 bytes):
//
//	[1:version][8:XTEA-encrypted id][12:truncated HMAC-SHA256 of the preceding 9 bytes]
package msgid

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"

	"github.com/roost-im/roost/server/store/types"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/xtea"
)

const (
	// MinSecretLength is the shortest acceptable secret.
	MinSecretLength = 32

	version   = 1
	idLength  = 8
	tagLength = 12
	tokenLen  = 1 + idLength + tagLength
)

// Codec seals and unseals message ids. Safe for concurrent use.
type Codec struct {
	cipher  *xtea.Cipher
	hmacKey []byte
}

// New creates a codec from the deployment-wide secret.
func New(secret []byte) (*Codec, error) {
	if len(secret) < MinSecretLength {
		return nil, errors.New("msgid: secret is too short")
	}

	kdf := hkdf.New(sha256.New, secret, nil, []byte("roost message id v1"))
	cipherKey := make([]byte, xtea.BlockSize*2)
	hmacKey := make([]byte, sha256.Size)
	if _, err := io.ReadFull(kdf, cipherKey); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(kdf, hmacKey); err != nil {
		return nil, err
	}

	cipher, err := xtea.NewCipher(cipherKey)
	if err != nil {
		return nil, err
	}
	return &Codec{cipher: cipher, hmacKey: hmacKey}, nil
}

// Seal converts the internal id into an opaque token.
func (c *Codec) Seal(id int64) string {
	buf := make([]byte, tokenLen)
	buf[0] = version

	src := make([]byte, idLength)
	binary.LittleEndian.PutUint64(src, uint64(id))
	c.cipher.Encrypt(buf[1:1+idLength], src)
	copy(buf[1+idLength:], c.tag(buf[:1+idLength]))

	return base64.RawURLEncoding.EncodeToString(buf)
}

// Unseal converts the token back into the internal id. Any token not produced
// by Seal with the same secret yields types.ErrInvalidCursor.
func (c *Codec) Unseal(token string) (int64, error) {
	if base64.RawURLEncoding.DecodedLen(len(token)) != tokenLen {
		return 0, types.ErrInvalidCursor
	}
	buf, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(buf) != tokenLen || buf[0] != version {
		return 0, types.ErrInvalidCursor
	}
	if !hmac.Equal(buf[1+idLength:], c.tag(buf[:1+idLength])) {
		return 0, types.ErrInvalidCursor
	}

	dst := make([]byte, idLength)
	c.cipher.Decrypt(dst, buf[1:1+idLength])
	return int64(binary.LittleEndian.Uint64(dst)), nil
}

func (c *Codec) tag(data []byte) []byte {
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(data)
	return mac.Sum(nil)[:tagLength]
}

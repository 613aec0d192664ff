package types

import (
	"encoding/base64"
	"encoding/binary"
	"errors"

	sf "github.com/tinode/snowflake"
	"golang.org/x/crypto/xtea"
)

// UidGenerator produces unique random-looking ids for push sessions: snowflake
// sequence numbers encrypted with XTEA so ids don't reveal connection counts.
type UidGenerator struct {
	seq    *sf.SnowFlake
	cipher *xtea.Cipher
}

// Init initialises the generator. Calling Init on an initialized generator is a noop.
func (ug *UidGenerator) Init(workerID uint, key []byte) error {
	var err error

	if ug.seq == nil {
		if ug.seq, err = sf.NewSnowFlake(uint32(workerID)); err != nil {
			return err
		}
	}
	if ug.cipher == nil {
		if ug.cipher, err = xtea.NewCipher(key); err != nil {
			return err
		}
	}
	return nil
}

// GetStr generates a unique id and returns it as unpadded base64 string.
// Returns an empty string on failure.
func (ug *UidGenerator) GetStr() string {
	buf, err := ug.next()
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func (ug *UidGenerator) next() ([]byte, error) {
	if ug.seq == nil || ug.cipher == nil {
		return nil, errors.New("uidgen: not initialized")
	}
	id, err := ug.seq.Next()
	if err != nil {
		return nil, err
	}

	src := make([]byte, 8)
	dst := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, id)
	ug.cipher.Encrypt(dst, src)

	return dst, nil
}

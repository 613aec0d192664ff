// Package types provides data types for persisting and delivering messages.
package types

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"
)

// Uid is a user id, suitable to be used as a primary key.
type Uid uint64

// ZeroUid is a constant representing uninitialized Uid.
const ZeroUid Uid = 0

// Lengths of various Uid representations.
const (
	uidBase64Unpadded = 11
	uidBase64Padded   = 12
)

// IsZero checks if Uid is uninitialized.
func (uid Uid) IsZero() bool {
	return uid == ZeroUid
}

// MarshalBinary converts Uid to byte slice.
func (uid Uid) MarshalBinary() ([]byte, error) {
	dst := make([]byte, 8)
	binary.LittleEndian.PutUint64(dst, uint64(uid))
	return dst, nil
}

// UnmarshalBinary reads Uid from byte slice.
func (uid *Uid) UnmarshalBinary(b []byte) error {
	if len(b) < 8 {
		return errors.New("Uid.UnmarshalBinary: invalid length")
	}
	*uid = Uid(binary.LittleEndian.Uint64(b))
	return nil
}

// UnmarshalText reads Uid from string represented as byte slice.
func (uid *Uid) UnmarshalText(src []byte) error {
	if len(src) != uidBase64Unpadded {
		return errors.New("Uid.UnmarshalText: invalid length")
	}
	dec := make([]byte, base64.RawURLEncoding.DecodedLen(uidBase64Unpadded))
	count, err := base64.RawURLEncoding.Decode(dec, src)
	if err != nil {
		return errors.New("Uid.UnmarshalText: failed to decode " + err.Error())
	}
	if count < 8 {
		return errors.New("Uid.UnmarshalText: failed to decode")
	}
	*uid = Uid(binary.LittleEndian.Uint64(dec))
	return nil
}

// MarshalText converts Uid to string represented as byte slice.
func (uid Uid) MarshalText() ([]byte, error) {
	if uid.IsZero() {
		return []byte{}, nil
	}
	src, _ := uid.MarshalBinary()
	dst := make([]byte, base64.RawURLEncoding.EncodedLen(8))
	base64.RawURLEncoding.Encode(dst, src)
	return dst, nil
}

// String converts Uid to base64 string.
func (uid Uid) String() string {
	buf, _ := uid.MarshalText()
	return string(buf)
}

// ParseUid parses string NOT prefixed with anything.
func ParseUid(s string) Uid {
	var uid Uid
	uid.UnmarshalText([]byte(s))
	return uid
}

// TimeNow returns current wall time in UTC rounded to milliseconds.
func TimeNow() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

// Triple identifies one addressable upstream topic: a class, an instance
// and a recipient. A triple with AllInstances set matches every instance of
// the class; Instance is empty then. Triple is comparable and used as a map key.
type Triple struct {
	Class        string
	Instance     string
	Recipient    string
	AllInstances bool
}

// NewTriple creates a triple. A nil instance denotes the wildcard.
func NewTriple(class string, instance *string, recipient string) Triple {
	if instance == nil {
		return Triple{Class: class, Recipient: recipient, AllInstances: true}
	}
	return Triple{Class: class, Instance: *instance, Recipient: recipient}
}

// InstancePtr returns the instance or nil for the wildcard.
func (t Triple) InstancePtr() *string {
	if t.AllInstances {
		return nil
	}
	inst := t.Instance
	return &inst
}

// Validate checks the shape of the triple.
func (t Triple) Validate() error {
	if t.Class == "" || t.Recipient == "" {
		return ErrInvalidSubscription
	}
	if t.AllInstances && t.Instance != "" {
		return ErrInvalidSubscription
	}
	return nil
}

// Matches checks if a message sent to the concrete triple m is covered by t.
func (t Triple) Matches(m Triple) bool {
	if t.Class != m.Class || t.Recipient != m.Recipient {
		return false
	}
	return t.AllInstances || t.Instance == m.Instance
}

// String formats the triple for logging.
func (t Triple) String() string {
	inst := "*"
	if !t.AllInstances {
		inst = "'" + t.Instance + "'"
	}
	return "<" + t.Class + "," + inst + "," + t.Recipient + ">"
}

// MarshalJSON formats the triple as [class, instance|null, recipient].
func (t Triple) MarshalJSON() ([]byte, error) {
	return json.Marshal([]*string{&t.Class, t.InstancePtr(), &t.Recipient})
}

// UnmarshalJSON parses [class, instance|null, recipient]. Anything else is ErrInvalidSubscription.
// The shape is checked only, use Validate to check the values.
func (t *Triple) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil || len(parts) != 3 {
		return ErrInvalidSubscription
	}
	var class, recipient string
	var instance *string
	if json.Unmarshal(parts[0], &class) != nil ||
		json.Unmarshal(parts[1], &instance) != nil ||
		json.Unmarshal(parts[2], &recipient) != nil {
		return ErrInvalidSubscription
	}
	// JSON null decodes into a string without error.
	if string(parts[0]) == "null" || string(parts[2]) == "null" {
		return ErrInvalidSubscription
	}
	*t = NewTriple(class, instance, recipient)
	return nil
}

// Message is a single message received from upstream.
type Message struct {
	// Sequential id assigned by storage. Never exposed unsealed.
	Id        int64
	CreatedAt time.Time
	// Concrete triple the message was sent to.
	Triple Triple
	Body   string
}

// UserTriple is one persisted subscription of a user.
type UserTriple struct {
	User   Uid
	Triple Triple
}

// QueryOpt is used to page through message history.
type QueryOpt struct {
	// Message id to start from, nil to start at the beginning (or the end when Reverse is set).
	Offset *int64
	// Include the message at Offset.
	Inclusive bool
	// Walk from newer to older messages.
	Reverse bool
	// Maximum number of messages to return. Zero means adapter's default.
	Limit int
}

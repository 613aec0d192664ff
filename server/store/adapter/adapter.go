// Package adapter contains the interfaces to be implemented by the database adapter
package adapter

import (
	"encoding/json"

	t "github.com/roost-im/roost/server/store/types"
)

// Adapter is the interface that must be implemented by a database
// adapter. The current schema supports a single connection by database type.
type Adapter interface {
	// General

	// Open and configure the adapter
	Open(config json.RawMessage) error
	// Close the adapter
	Close() error
	// IsOpen checks if the adapter is ready for use
	IsOpen() bool
	// GetDbVersion returns current database version.
	GetDbVersion() (int, error)
	// CheckDbVersion checks if the actual database version matches adapter version.
	CheckDbVersion() error
	// GetName returns the name of the adapter
	GetName() string
	// SetMaxResults configures how many results can be returned in a single DB call.
	SetMaxResults(val int) error
	// CreateDb creates the database optionally dropping an existing database first.
	CreateDb(reset bool) error
	// Version returns adapter version
	Version() int
	// DB connection stats object.
	Stats() interface{}

	// Subscriptions

	// SubsCreate persists user's subscription to a triple. Creating an existing subscription is a noop.
	SubsCreate(sub *t.UserTriple) error
	// SubsDelete deletes user's subscription. Deleting a missing subscription is a noop.
	SubsDelete(sub *t.UserTriple) error
	// SubsForUser returns all triples the user is subscribed to.
	SubsForUser(uid t.Uid) ([]t.Triple, error)
	// SubsGetAll returns every persisted subscription of every user.
	SubsGetAll() ([]t.UserTriple, error)

	// Messages

	// MessageSave persists the message, assigns msg.Id and makes the message
	// visible to the given users.
	MessageSave(msg *t.Message, users []t.Uid) error
	// MessageGetAll returns a page of messages visible to the user.
	MessageGetAll(uid t.Uid, opts *t.QueryOpt) ([]t.Message, error)
}

// Package store provides methods for registering and accessing database adapters.
package store

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/roost-im/roost/server/store/adapter"
	"github.com/roost-im/roost/server/store/types"
)

var adp adapter.Adapter
var availableAdapters = make(map[string]adapter.Adapter)

type configType struct {
	// Maximum number of results to return from adapter.
	MaxResults int `json:"max_results"`
	// DB adapter name to use. Should be one of those specified in `Adapters`.
	UseAdapter string `json:"use_adapter"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

func openAdapter(jsonconf json.RawMessage) error {
	var config configType
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return errors.New("store: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
		}
	}

	if adp == nil {
		if len(config.UseAdapter) > 0 {
			// Adapter name specified explicitly.
			if ad, ok := availableAdapters[config.UseAdapter]; ok {
				adp = ad
			} else {
				return errors.New("store: " + config.UseAdapter + " adapter is not available in this binary")
			}
		} else if len(availableAdapters) == 1 {
			// Default to the only entry in availableAdapters.
			for _, v := range availableAdapters {
				adp = v
			}
		} else {
			return errors.New("store: db adapter is not specified. Please set `store_config.use_adapter` in `roost.conf`")
		}
	}

	if adp.IsOpen() {
		return errors.New("store: connection is already opened")
	}

	if err := adp.SetMaxResults(config.MaxResults); err != nil {
		return err
	}

	var adapterConfig json.RawMessage
	if config.Adapters != nil {
		adapterConfig = config.Adapters[adp.GetName()]
	}

	return adp.Open(adapterConfig)
}

// PersistentStorageInterface defines methods used for interation with persistent storage.
type PersistentStorageInterface interface {
	Open(jsonconf json.RawMessage) error
	Close() error
	IsOpen() bool
	GetAdapterName() string
	GetAdapterVersion() int
	GetDbVersion() int
	InitDb(jsonconf json.RawMessage, reset bool) error
	DbStats() func() interface{}
}

// Store is the main object for interacting with persistent storage.
var Store PersistentStorageInterface

type storeObj struct{}

// Open initializes the persistence system. Adapter holds a connection pool for a database instance.
//
//	jsonconf - configuration string
func (storeObj) Open(jsonconf json.RawMessage) error {
	if err := openAdapter(jsonconf); err != nil {
		return err
	}

	return adp.CheckDbVersion()
}

// Close terminates connection to persistent storage.
func (storeObj) Close() error {
	if adp != nil && adp.IsOpen() {
		return adp.Close()
	}

	return nil
}

// IsOpen checks if persistent storage connection has been initialized.
func (storeObj) IsOpen() bool {
	if adp != nil {
		return adp.IsOpen()
	}

	return false
}

// GetAdapterName returns the name of the current adater.
func (storeObj) GetAdapterName() string {
	if adp != nil {
		return adp.GetName()
	}

	return ""
}

// GetAdapterVersion returns version of the current adater.
func (storeObj) GetAdapterVersion() int {
	if adp != nil {
		return adp.Version()
	}

	return -1
}

// GetDbVersion returns version of the underlying database.
func (storeObj) GetDbVersion() int {
	if adp != nil {
		vers, _ := adp.GetDbVersion()
		return vers
	}

	return -1
}

// InitDb creates and configures a new database instance. If 'reset' is true it will first
// attempt to drop an existing database. If jsconf is nil it will assume that the adapter is
// already open. If it's non-nil and the adapter is not open, it will use the config string
// to open the adapter first.
func (s storeObj) InitDb(jsonconf json.RawMessage, reset bool) error {
	if !s.IsOpen() {
		if err := openAdapter(jsonconf); err != nil {
			return err
		}
	}
	return adp.CreateDb(reset)
}

// DbStats returns a callback returning db connection stats object.
func (s storeObj) DbStats() func() interface{} {
	if !s.IsOpen() {
		return nil
	}
	return adp.Stats
}

// RegisterAdapter makes a persistence adapter available.
// If Register is called twice or if the adapter is nil, it panics.
func RegisterAdapter(a adapter.Adapter) {
	if a == nil {
		panic("store: Register adapter is nil")
	}

	adapterName := a.GetName()
	if _, ok := availableAdapters[adapterName]; ok {
		panic("store: adapter '" + adapterName + "' is already registered")
	}
	availableAdapters[adapterName] = a
}

// GetAdapterNames returns sorted names of all registered adapters.
func GetAdapterNames() []string {
	names := make([]string, 0, len(availableAdapters))
	for name := range availableAdapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SubsPersistenceInterface is an interface which defines methods for persistent storage of subscriptions.
type SubsPersistenceInterface interface {
	Create(uid types.Uid, triple types.Triple) error
	Delete(uid types.Uid, triple types.Triple) error
	ForUser(uid types.Uid) ([]types.Triple, error)
	GetAll() ([]types.UserTriple, error)
}

// SubsObjMapper is used to manipulate persisted subscriptions.
type SubsObjMapper struct{}

// Subs is the ancor for storing/retrieving subscriptions.
var Subs SubsPersistenceInterface

// Create persists the subscription of a user to a triple.
func (SubsObjMapper) Create(uid types.Uid, triple types.Triple) error {
	return adp.SubsCreate(&types.UserTriple{User: uid, Triple: triple})
}

// Delete removes the persisted subscription.
func (SubsObjMapper) Delete(uid types.Uid, triple types.Triple) error {
	return adp.SubsDelete(&types.UserTriple{User: uid, Triple: triple})
}

// ForUser loads all triples the user is subscribed to. Never returns nil slice on success.
func (SubsObjMapper) ForUser(uid types.Uid) ([]types.Triple, error) {
	subs, err := adp.SubsForUser(uid)
	if subs == nil && err == nil {
		subs = []types.Triple{}
	}
	return subs, err
}

// GetAll loads every persisted subscription. Used to restore state on startup.
func (SubsObjMapper) GetAll() ([]types.UserTriple, error) {
	return adp.SubsGetAll()
}

// MessagesPersistenceInterface is an interface which defines methods for persistent storage of messages.
type MessagesPersistenceInterface interface {
	Save(msg *types.Message, users []types.Uid) error
	GetAll(uid types.Uid, opts *types.QueryOpt) ([]types.Message, error)
}

// MessagesObjMapper is a struct to hold methods for persistence mapping for the Message object.
type MessagesObjMapper struct{}

// Messages is the ancor for storing/retrieving messages.
var Messages MessagesPersistenceInterface

// Save persists the message, assigns its Id and makes it visible to the listed users.
func (MessagesObjMapper) Save(msg *types.Message, users []types.Uid) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = types.TimeNow()
	}
	return adp.MessageSave(msg, users)
}

// GetAll returns a page of messages visible to the user. Never returns nil slice on success.
func (MessagesObjMapper) GetAll(uid types.Uid, opts *types.QueryOpt) ([]types.Message, error) {
	msgs, err := adp.MessageGetAll(uid, opts)
	if msgs == nil && err == nil {
		msgs = []types.Message{}
	}
	return msgs, err
}

func init() {
	Store = storeObj{}
	Subs = SubsObjMapper{}
	Messages = MessagesObjMapper{}
}

// Package rethinkdb is a database adapter for RethinkDB.
package rethinkdb

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/roost-im/roost/server/db/common"
	"github.com/roost-im/roost/server/store"
	t "github.com/roost-im/roost/server/store/types"
	rdb "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

// adapter holds RethinkDb connection data.
type adapter struct {
	conn       *rdb.Session
	dbName     string
	maxResults int
	version    int
}

const (
	defaultHost     = "localhost:28015"
	defaultDatabase = "roost"

	adpVersion  = 1
	adapterName = "rethinkdb"
)

// See https://godoc.org/github.com/rethinkdb/rethinkdb-go#ConnectOpts for explanations.
type configType struct {
	Database            string      `json:"database,omitempty"`
	Addresses           interface{} `json:"addresses,omitempty"`
	Username            string      `json:"username,omitempty"`
	Password            string      `json:"password,omitempty"`
	AuthKey             string      `json:"authkey,omitempty"`
	Timeout             int         `json:"timeout,omitempty"`
	WriteTimeout        int         `json:"write_timeout,omitempty"`
	ReadTimeout         int         `json:"read_timeout,omitempty"`
	KeepAlivePeriod     int         `json:"keep_alive_timeout,omitempty"`
	InitialCap          int         `json:"initial_cap,omitempty"`
	MaxOpen             int         `json:"max_open,omitempty"`
	DiscoverHosts       bool        `json:"discover_hosts,omitempty"`
	NodeRefreshInterval int         `json:"node_refresh_interval,omitempty"`
}

// Open initializes rethinkdb session
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.conn != nil {
		return errors.New("adapter rethinkdb is already connected")
	}

	var err error
	var config configType
	if len(jsonconfig) > 0 {
		if err = json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("adapter rethinkdb failed to parse config: " + err.Error())
		}
	}

	var opts rdb.ConnectOpts

	switch addr := config.Addresses.(type) {
	case nil:
		opts.Address = defaultHost
	case string:
		opts.Address = addr
	case []interface{}:
		for _, h := range addr {
			host, ok := h.(string)
			if !ok {
				return errors.New("adapter rethinkdb failed to parse config.Addresses")
			}
			opts.Addresses = append(opts.Addresses, host)
		}
	default:
		return errors.New("adapter rethinkdb failed to parse config.Addresses")
	}

	if config.Database == "" {
		a.dbName = defaultDatabase
	} else {
		a.dbName = config.Database
	}

	if a.maxResults <= 0 {
		a.maxResults = common.DefaultMaxResults
	}

	opts.Database = a.dbName
	opts.Username = config.Username
	opts.Password = config.Password
	opts.AuthKey = config.AuthKey
	opts.Timeout = time.Duration(config.Timeout) * time.Second
	opts.WriteTimeout = time.Duration(config.WriteTimeout) * time.Second
	opts.ReadTimeout = time.Duration(config.ReadTimeout) * time.Second
	opts.KeepAlivePeriod = time.Duration(config.KeepAlivePeriod) * time.Second
	opts.InitialCap = config.InitialCap
	opts.MaxOpen = config.MaxOpen
	opts.DiscoverHosts = config.DiscoverHosts
	opts.NodeRefreshInterval = time.Duration(config.NodeRefreshInterval) * time.Second

	a.conn, err = rdb.Connect(opts)
	if err != nil {
		a.conn = nil
		return err
	}

	a.version = -1

	return nil
}

// Close closes the underlying database connection
func (a *adapter) Close() error {
	var err error
	if a.conn != nil {
		// Close will wait for all outstanding requests to finish
		err = a.conn.Close()
		a.conn = nil
		a.version = -1
	}
	return err
}

// IsOpen returns true if connection to database has been established. It does not check if
// connection is actually live.
func (a *adapter) IsOpen() bool {
	return a.conn != nil
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	cursor, err := rdb.DB(a.dbName).Table("kvmeta").Get("version").Field("value").Run(a.conn)
	if err != nil {
		if isMissingDb(err) {
			err = errors.New("Database not initialized")
		}
		return -1, err
	}
	defer cursor.Close()

	if cursor.IsNil() {
		return -1, errors.New("Database not initialized")
	}

	var vers int
	if err = cursor.One(&vers); err != nil {
		return -1, err
	}

	a.version = vers

	return vers, nil
}

// CheckDbVersion checks whether the actual DB version matches the expected version of this adapter.
func (a *adapter) CheckDbVersion() error {
	version, err := a.GetDbVersion()
	if err != nil {
		return err
	}

	if version != adpVersion {
		return errors.New("Invalid database version " + strconv.Itoa(version) +
			". Expected " + strconv.Itoa(adpVersion))
	}

	return nil
}

// Version returns adapter version.
func (adapter) Version() int {
	return adpVersion
}

// GetName returns string that adapter uses to register itself with store.
func (a *adapter) GetName() string {
	return adapterName
}

// SetMaxResults configures how many results can be returned in a single DB call.
func (a *adapter) SetMaxResults(val int) error {
	if val <= 0 {
		a.maxResults = common.DefaultMaxResults
	} else {
		a.maxResults = val
	}

	return nil
}

// Stats is not implemented for RethinkDB.
func (a *adapter) Stats() interface{} {
	return nil
}

// CreateDb initializes the storage. If reset is true, the database is first deleted losing all the data.
func (a *adapter) CreateDb(reset bool) error {
	// Drop database if exists, ignore error if it does not.
	if reset {
		rdb.DBDrop(a.dbName).RunWrite(a.conn)
	}

	if _, err := rdb.DBCreate(a.dbName).RunWrite(a.conn); err != nil {
		return err
	}

	// Key-value metadata store: database version and message id counter.
	if _, err := rdb.DB(a.dbName).TableCreate("kvmeta", rdb.TableCreateOpts{PrimaryKey: "key"}).RunWrite(a.conn); err != nil {
		return err
	}
	if _, err := rdb.DB(a.dbName).Table("kvmeta").Insert([]map[string]interface{}{
		{"key": "version", "value": adpVersion},
		{"key": "msgseq", "value": 0},
	}).RunWrite(a.conn); err != nil {
		return err
	}

	// Subscriptions. The primary key is a "userid:triplekey" string.
	if _, err := rdb.DB(a.dbName).TableCreate("subscriptions", rdb.TableCreateOpts{PrimaryKey: "id"}).RunWrite(a.conn); err != nil {
		return err
	}
	if _, err := rdb.DB(a.dbName).Table("subscriptions").IndexCreate("user").RunWrite(a.conn); err != nil {
		return err
	}

	// Messages, each one lists the users it's visible to.
	if _, err := rdb.DB(a.dbName).TableCreate("messages", rdb.TableCreateOpts{PrimaryKey: "id"}).RunWrite(a.conn); err != nil {
		return err
	}
	// Compound multi-index [user, id] for paging through messages of a user.
	if _, err := rdb.DB(a.dbName).Table("messages").IndexCreateFunc("user_id",
		func(row rdb.Term) interface{} {
			return row.Field("users").Map(func(uid rdb.Term) interface{} {
				return []interface{}{uid, row.Field("id")}
			})
		}, rdb.IndexCreateOpts{Multi: true}).RunWrite(a.conn); err != nil {
		return err
	}

	if _, err := rdb.DB(a.dbName).Wait().Run(a.conn); err != nil {
		return err
	}

	a.version = adpVersion
	return nil
}

type subsDoc struct {
	Id        string    `rethinkdb:"id"`
	CreatedAt time.Time `rethinkdb:"createdat"`
	User      int64     `rethinkdb:"user"`
	Class     string    `rethinkdb:"class"`
	Instance  string    `rethinkdb:"instance"`
	Wildcard  bool      `rethinkdb:"wildcard"`
	Recipient string    `rethinkdb:"recipient"`
}

func (d *subsDoc) triple() t.Triple {
	return t.Triple{Class: d.Class, Instance: d.Instance, Recipient: d.Recipient, AllInstances: d.Wildcard}
}

func subsId(sub *t.UserTriple) string {
	return strconv.FormatInt(int64(sub.User), 10) + ":" + common.TripleKey(sub.Triple)
}

// SubsCreate persists a subscription. Existing subscription is left untouched.
func (a *adapter) SubsCreate(sub *t.UserTriple) error {
	_, err := rdb.DB(a.dbName).Table("subscriptions").Insert(&subsDoc{
		Id:        subsId(sub),
		CreatedAt: t.TimeNow(),
		User:      int64(sub.User),
		Class:     sub.Triple.Class,
		Instance:  sub.Triple.Instance,
		Wildcard:  sub.Triple.AllInstances,
		Recipient: sub.Triple.Recipient,
	}).RunWrite(a.conn)
	if isDupe(err) {
		err = nil
	}
	return err
}

// SubsDelete deletes a subscription.
func (a *adapter) SubsDelete(sub *t.UserTriple) error {
	_, err := rdb.DB(a.dbName).Table("subscriptions").Get(subsId(sub)).Delete().RunWrite(a.conn)
	return err
}

func (a *adapter) findSubs(q rdb.Term) ([]subsDoc, error) {
	cursor, err := q.OrderBy("createdat").Run(a.conn)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var docs []subsDoc
	if err = cursor.All(&docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// SubsForUser loads triples the user is subscribed to.
func (a *adapter) SubsForUser(uid t.Uid) ([]t.Triple, error) {
	docs, err := a.findSubs(rdb.DB(a.dbName).Table("subscriptions").GetAllByIndex("user", int64(uid)))
	if err != nil {
		return nil, err
	}
	subs := make([]t.Triple, 0, len(docs))
	for i := range docs {
		subs = append(subs, docs[i].triple())
	}
	return subs, nil
}

// SubsGetAll loads every subscription of every user.
func (a *adapter) SubsGetAll() ([]t.UserTriple, error) {
	docs, err := a.findSubs(rdb.DB(a.dbName).Table("subscriptions"))
	if err != nil {
		return nil, err
	}
	subs := make([]t.UserTriple, 0, len(docs))
	for i := range docs {
		subs = append(subs, t.UserTriple{User: t.Uid(docs[i].User), Triple: docs[i].triple()})
	}
	return subs, nil
}

type messageDoc struct {
	Id        int64     `rethinkdb:"id"`
	CreatedAt time.Time `rethinkdb:"createdat"`
	Class     string    `rethinkdb:"class"`
	Instance  string    `rethinkdb:"instance"`
	Recipient string    `rethinkdb:"recipient"`
	Body      string    `rethinkdb:"body"`
	Users     []int64   `rethinkdb:"users"`
}

// Allocate the next message id. Single-document updates are atomic in RethinkDB.
func (a *adapter) nextMessageId() (int64, error) {
	resp, err := rdb.DB(a.dbName).Table("kvmeta").Get("msgseq").
		Update(map[string]interface{}{"value": rdb.Row.Field("value").Add(1)},
			rdb.UpdateOpts{ReturnChanges: true}).
		RunWrite(a.conn)
	if err != nil {
		return 0, err
	}
	if len(resp.Changes) != 1 {
		return 0, errors.New("rethinkdb: message id counter is missing")
	}
	doc, ok := resp.Changes[0].NewValue.(map[string]interface{})
	if !ok {
		return 0, errors.New("rethinkdb: malformed message id counter")
	}
	switch v := doc["value"].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case json.Number:
		return v.Int64()
	}
	return 0, errors.New("rethinkdb: malformed message id counter")
}

// MessageSave saves message to database. Visibility is recorded in the message document.
func (a *adapter) MessageSave(msg *t.Message, users []t.Uid) error {
	id, err := a.nextMessageId()
	if err != nil {
		return err
	}

	if _, err = rdb.DB(a.dbName).Table("messages").Insert(&messageDoc{
		Id:        id,
		CreatedAt: msg.CreatedAt,
		Class:     msg.Triple.Class,
		Instance:  msg.Triple.Instance,
		Recipient: msg.Triple.Recipient,
		Body:      msg.Body,
		Users:     common.UidsToInt64(common.DedupUids(users)),
	}).RunWrite(a.conn); err != nil {
		return err
	}
	msg.Id = id
	return nil
}

// MessageGetAll returns messages visible to the user.
func (a *adapter) MessageGetAll(uid t.Uid, opts *t.QueryOpt) ([]t.Message, error) {
	var lower, upper interface{} = rdb.MinVal, rdb.MaxVal
	between := rdb.BetweenOpts{Index: "user_id", LeftBound: "closed", RightBound: "closed"}

	op, desc := common.MessageRange(opts)
	switch op {
	case ">":
		lower, between.LeftBound = *opts.Offset, "open"
	case ">=":
		lower = *opts.Offset
	case "<":
		upper, between.RightBound = *opts.Offset, "open"
	case "<=":
		upper = *opts.Offset
	}

	order := rdb.Asc("id")
	if desc {
		order = rdb.Desc("id")
	}

	cursor, err := rdb.DB(a.dbName).Table("messages").
		Between([]interface{}{int64(uid), lower}, []interface{}{int64(uid), upper}, between).
		OrderBy(order).
		Limit(common.SelectLimit(opts, a.maxResults)).
		Without("users").
		Run(a.conn)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var docs []messageDoc
	if err = cursor.All(&docs); err != nil {
		return nil, err
	}

	msgs := make([]t.Message, 0, len(docs))
	for i := range docs {
		doc := &docs[i]
		msgs = append(msgs, t.Message{
			Id:        doc.Id,
			CreatedAt: doc.CreatedAt.UTC(),
			Triple:    t.Triple{Class: doc.Class, Instance: doc.Instance, Recipient: doc.Recipient},
			Body:      doc.Body,
		})
	}
	return msgs, nil
}

func isDupe(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Duplicate primary key")
}

func isMissingDb(err error) bool {
	return err != nil && strings.Contains(err.Error(), "does not exist")
}

// GetTestAdapter returns an adapter object. It's required for running tests.
func GetTestAdapter() *adapter {
	return &adapter{}
}

func init() {
	store.RegisterAdapter(&adapter{})
}

// Package mongodb is a database adapter for MongoDB.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/roost-im/roost/server/db/common"
	"github.com/roost-im/roost/server/logs"
	"github.com/roost-im/roost/server/store"
	t "github.com/roost-im/roost/server/store/types"
	b "go.mongodb.org/mongo-driver/bson"
	mdb "go.mongodb.org/mongo-driver/mongo"
	mdbopts "go.mongodb.org/mongo-driver/mongo/options"
)

// adapter holds MongoDB connection data.
type adapter struct {
	conn       *mdb.Client
	db         *mdb.Database
	dbName     string
	maxResults int
	version    int
	ctx        context.Context
}

const (
	defaultHost     = "localhost:27017"
	defaultDatabase = "roost"

	adpVersion  = 1
	adapterName = "mongodb"
)

// See https://godoc.org/go.mongodb.org/mongo-driver/mongo/options#ClientOptions for explanations.
type configType struct {
	Addresses      interface{} `json:"addresses,omitempty"`
	ConnectTimeout int         `json:"timeout,omitempty"`

	// Options separately from ClientOptions (custom options):
	Database   string `json:"database,omitempty"`
	ReplicaSet string `json:"replica_set,omitempty"`

	AuthSource string `json:"auth_source,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

// Open initializes mongodb session
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.conn != nil {
		return errors.New("adapter mongodb is already connected")
	}

	var err error
	var config configType
	if len(jsonconfig) > 0 {
		if err = json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("adapter mongodb failed to parse config: " + err.Error())
		}
	}

	opts := mdbopts.Client()

	switch addr := config.Addresses.(type) {
	case nil:
		opts.SetHosts([]string{defaultHost})
	case string:
		opts.SetHosts([]string{addr})
	case []interface{}:
		var hosts []string
		for _, h := range addr {
			host, ok := h.(string)
			if !ok {
				return errors.New("adapter mongodb failed to parse config.Addresses")
			}
			hosts = append(hosts, host)
		}
		opts.SetHosts(hosts)
	default:
		return errors.New("adapter mongodb failed to parse config.Addresses")
	}

	if config.Database == "" {
		a.dbName = defaultDatabase
	} else {
		a.dbName = config.Database
	}

	if config.ReplicaSet != "" {
		opts.SetReplicaSet(config.ReplicaSet)
	}

	if config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(time.Duration(config.ConnectTimeout) * time.Second)
	}

	if config.Username != "" {
		var passwordSet bool
		if config.AuthSource == "" {
			config.AuthSource = "admin"
		}
		if config.Password != "" {
			passwordSet = true
		}
		opts.SetAuth(
			mdbopts.Credential{
				AuthMechanism: "SCRAM-SHA-256",
				AuthSource:    config.AuthSource,
				Username:      config.Username,
				Password:      config.Password,
				PasswordSet:   passwordSet,
			})
	}

	if a.maxResults <= 0 {
		a.maxResults = common.DefaultMaxResults
	}

	a.ctx = context.Background()
	a.conn, err = mdb.Connect(a.ctx, opts)
	if err != nil {
		a.conn = nil
		return err
	}
	a.db = a.conn.Database(a.dbName)
	a.version = -1

	return nil
}

// Close the adapter
func (a *adapter) Close() error {
	var err error
	if a.conn != nil {
		err = a.conn.Disconnect(a.ctx)
		a.conn = nil
		a.version = -1
	}
	return err
}

// IsOpen checks if the adapter is ready for use
func (a *adapter) IsOpen() bool {
	return a.conn != nil
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	var result struct {
		Key   string `bson:"_id"`
		Value int
	}
	if err := a.db.Collection("kvmeta").FindOne(a.ctx, b.M{"_id": "version"}).Decode(&result); err != nil {
		if err == mdb.ErrNoDocuments {
			err = errors.New("Database not initialized")
		}
		return -1, err
	}

	a.version = result.Value
	return result.Value, nil
}

// CheckDbVersion checks if the actual database version matches adapter version.
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

// Version returns adapter version
func (a *adapter) Version() int {
	return adpVersion
}

// GetName returns the name of the adapter
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

// Stats returns the number of sessions in use.
func (a *adapter) Stats() interface{} {
	if a.conn == nil {
		return nil
	}
	return map[string]int{"NumberSessionsInProgress": a.conn.NumberSessionsInProgress()}
}

func (a *adapter) isDbInitialized() bool {
	var result map[string]int
	if err := a.db.Collection("kvmeta").FindOne(a.ctx, b.M{"_id": "version"}).Decode(&result); err != nil {
		return false
	}
	return true
}

// CreateDb creates the database optionally dropping an existing database first.
func (a *adapter) CreateDb(reset bool) error {
	if reset {
		logs.Info.Print("Dropping database...")
		if err := a.db.Drop(a.ctx); err != nil {
			return err
		}
	} else if a.isDbInitialized() {
		return errors.New("Database already initialized")
	}
	// Collections (tables) do not need to be explicitly created since MongoDB creates them with first write operation

	indexes := []struct {
		Collection string
		IndexOpts  mdb.IndexModel
	}{
		// Subscriptions are looked up by user. The _id is "userid:triplekey" so it's unique.
		{
			Collection: "subscriptions",
			IndexOpts:  mdb.IndexModel{Keys: b.M{"user": 1}},
		},
		// Messages visible to a user, in order.
		{
			Collection: "messages",
			IndexOpts:  mdb.IndexModel{Keys: b.D{{Key: "users", Value: 1}, {Key: "_id", Value: 1}}},
		},
	}

	var err error
	for _, idx := range indexes {
		if _, err = a.db.Collection(idx.Collection).Indexes().CreateOne(a.ctx, idx.IndexOpts); err != nil {
			return err
		}
	}

	// Record current DB version. Message id counter starts at zero.
	if _, err = a.db.Collection("kvmeta").InsertMany(a.ctx, []interface{}{
		b.M{"_id": "version", "value": adpVersion},
		b.M{"_id": "msgseq", "value": int64(0)},
	}); err != nil {
		return err
	}

	a.version = adpVersion
	return nil
}

type subsDoc struct {
	Id        string    `bson:"_id"`
	CreatedAt time.Time `bson:"createdat"`
	User      int64     `bson:"user"`
	Class     string    `bson:"class"`
	Instance  string    `bson:"instance"`
	Wildcard  bool      `bson:"wildcard"`
	Recipient string    `bson:"recipient"`
}

func (d *subsDoc) triple() t.Triple {
	return t.Triple{Class: d.Class, Instance: d.Instance, Recipient: d.Recipient, AllInstances: d.Wildcard}
}

func subsId(sub *t.UserTriple) string {
	return strconv.FormatInt(int64(sub.User), 10) + ":" + common.TripleKey(sub.Triple)
}

// SubsCreate persists a subscription. Existing subscription is left untouched.
func (a *adapter) SubsCreate(sub *t.UserTriple) error {
	_, err := a.db.Collection("subscriptions").InsertOne(a.ctx, &subsDoc{
		Id:        subsId(sub),
		CreatedAt: t.TimeNow(),
		User:      int64(sub.User),
		Class:     sub.Triple.Class,
		Instance:  sub.Triple.Instance,
		Wildcard:  sub.Triple.AllInstances,
		Recipient: sub.Triple.Recipient,
	})
	if mdb.IsDuplicateKeyError(err) {
		err = nil
	}
	return err
}

// SubsDelete deletes a subscription.
func (a *adapter) SubsDelete(sub *t.UserTriple) error {
	_, err := a.db.Collection("subscriptions").DeleteOne(a.ctx, b.M{"_id": subsId(sub)})
	return err
}

func (a *adapter) findSubs(filter b.M) ([]subsDoc, error) {
	cur, err := a.db.Collection("subscriptions").Find(a.ctx, filter,
		mdbopts.Find().SetSort(b.M{"createdat": 1}))
	if err != nil {
		return nil, err
	}
	var docs []subsDoc
	if err = cur.All(a.ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// SubsForUser loads triples the user is subscribed to.
func (a *adapter) SubsForUser(uid t.Uid) ([]t.Triple, error) {
	docs, err := a.findSubs(b.M{"user": int64(uid)})
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
	docs, err := a.findSubs(b.M{})
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
	Id        int64     `bson:"_id"`
	CreatedAt time.Time `bson:"createdat"`
	Class     string    `bson:"class"`
	Instance  string    `bson:"instance"`
	Recipient string    `bson:"recipient"`
	Body      string    `bson:"body"`
	Users     []int64   `bson:"users"`
}

// Allocate the next message id.
func (a *adapter) nextMessageId() (int64, error) {
	var result struct {
		Value int64 `bson:"value"`
	}
	err := a.db.Collection("kvmeta").FindOneAndUpdate(a.ctx,
		b.M{"_id": "msgseq"},
		b.M{"$inc": b.M{"value": int64(1)}},
		mdbopts.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(mdbopts.After),
	).Decode(&result)
	return result.Value, err
}

// MessageSave saves message to database. Visibility is recorded in the message document.
func (a *adapter) MessageSave(msg *t.Message, users []t.Uid) error {
	id, err := a.nextMessageId()
	if err != nil {
		return err
	}

	if _, err = a.db.Collection("messages").InsertOne(a.ctx, &messageDoc{
		Id:        id,
		CreatedAt: msg.CreatedAt,
		Class:     msg.Triple.Class,
		Instance:  msg.Triple.Instance,
		Recipient: msg.Triple.Recipient,
		Body:      msg.Body,
		Users:     common.UidsToInt64(common.DedupUids(users)),
	}); err != nil {
		return err
	}
	msg.Id = id
	return nil
}

// MessageGetAll returns messages visible to the user.
func (a *adapter) MessageGetAll(uid t.Uid, opts *t.QueryOpt) ([]t.Message, error) {
	filter := b.M{"users": int64(uid)}

	op, desc := common.MessageRange(opts)
	if op != "" {
		cmp := map[string]string{">": "$gt", ">=": "$gte", "<": "$lt", "<=": "$lte"}[op]
		filter["_id"] = b.M{cmp: *opts.Offset}
	}
	order := 1
	if desc {
		order = -1
	}
	findOpts := mdbopts.Find().
		SetSort(b.M{"_id": order}).
		SetLimit(int64(common.SelectLimit(opts, a.maxResults))).
		SetProjection(b.M{"users": 0})

	cur, err := a.db.Collection("messages").Find(a.ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(a.ctx)

	msgs := []t.Message{}
	for cur.Next(a.ctx) {
		var doc messageDoc
		if err = cur.Decode(&doc); err != nil {
			return nil, err
		}
		msgs = append(msgs, t.Message{
			Id:        doc.Id,
			CreatedAt: doc.CreatedAt.UTC(),
			Triple:    t.Triple{Class: doc.Class, Instance: doc.Instance, Recipient: doc.Recipient},
			Body:      doc.Body,
		})
	}
	return msgs, cur.Err()
}

// GetTestAdapter returns an adapter object. It's required for running tests.
func GetTestAdapter() *adapter {
	return &adapter{}
}

func init() {
	store.RegisterAdapter(&adapter{})
}

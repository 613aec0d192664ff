// Package sqlite is a database adapter for SQLite. It is the default adapter:
// it needs no external server and an in-memory database is handy for development.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/roost-im/roost/server/db/common"
	"github.com/roost-im/roost/server/store"
	t "github.com/roost-im/roost/server/store/types"

	// Registers "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

// adapter holds SQLite connection data.
type adapter struct {
	db         *sqlx.DB
	path       string
	version    int
	maxResults int
}

const (
	defaultPath = "./roost.db"

	adpVersion = 1

	adapterName = "sqlite"
)

type configType struct {
	// Path to the database file or ":memory:".
	Path string `json:"path,omitempty"`
	// Busy timeout in milliseconds.
	BusyTimeout int `json:"busy_timeout,omitempty"`
}

// Open initializes the database connection.
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.db != nil {
		return errors.New("sqlite adapter is already connected")
	}

	var err error
	var config configType
	if len(jsonconfig) > 0 {
		if err = json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("sqlite adapter failed to parse config: " + err.Error())
		}
	}

	a.path = config.Path
	if a.path == "" {
		a.path = defaultPath
	}

	a.db, err = sqlx.Open("sqlite", a.path)
	if err != nil {
		return err
	}
	// SQLite prefers a single writer. Also each connection to ":memory:" is a separate database.
	a.db.SetMaxOpenConns(1)
	a.db.SetMaxIdleConns(1)
	a.db.SetConnMaxLifetime(0)

	if err = a.db.Ping(); err != nil {
		a.db.Close()
		a.db = nil
		return err
	}

	if config.BusyTimeout > 0 {
		a.db.Exec("PRAGMA busy_timeout = " + strconv.Itoa(config.BusyTimeout))
	}
	a.db.Exec("PRAGMA journal_mode = WAL")
	a.db.Exec("PRAGMA foreign_keys = ON")

	if a.maxResults <= 0 {
		a.maxResults = common.DefaultMaxResults
	}
	a.version = -1

	return nil
}

// Close closes the underlying database connection
func (a *adapter) Close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
		a.version = -1
	}
	return err
}

// IsOpen returns true if connection to database has been established. It does not check if
// connection is actually live.
func (a *adapter) IsOpen() bool {
	return a.db != nil
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	var vers string
	err := a.db.Get(&vers, "SELECT value FROM kvmeta WHERE key='version'")
	if err != nil {
		if err == sql.ErrNoRows || isMissingDb(err) {
			err = errors.New("Database not initialized")
		}
		return -1, err
	}

	a.version, _ = strconv.Atoi(vers)
	return a.version, nil
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

// Stats returns DB connection stats object.
func (a *adapter) Stats() interface{} {
	if a.db == nil {
		return nil
	}
	return a.db.Stats()
}

// CreateDb initializes the storage.
func (a *adapter) CreateDb(reset bool) error {
	tx, err := a.db.Beginx()
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if reset {
		for _, table := range []string{"usermessages", "messages", "subscriptions", "kvmeta"} {
			if _, err = tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
				return err
			}
		}
	}

	if _, err = tx.Exec(
		`CREATE TABLE kvmeta(
			key   TEXT NOT NULL PRIMARY KEY,
			value TEXT
		)`); err != nil {
		return err
	}
	if _, err = tx.Exec("INSERT INTO kvmeta(key, value) VALUES('version', ?)", strconv.Itoa(adpVersion)); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`CREATE TABLE subscriptions(
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			createdat INTEGER NOT NULL,
			userid    INTEGER NOT NULL,
			tkey      TEXT NOT NULL,
			class     TEXT NOT NULL,
			instance  TEXT NOT NULL DEFAULT '',
			wildcard  INTEGER NOT NULL DEFAULT 0,
			recipient TEXT NOT NULL,
			UNIQUE(userid, tkey)
		)`); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`CREATE TABLE messages(
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			createdat INTEGER NOT NULL,
			class     TEXT NOT NULL,
			instance  TEXT NOT NULL,
			recipient TEXT NOT NULL,
			body      TEXT NOT NULL
		)`); err != nil {
		return err
	}

	// Message visibility: which users were subscribed when the message arrived.
	if _, err = tx.Exec(
		`CREATE TABLE usermessages(
			userid INTEGER NOT NULL,
			msgid  INTEGER NOT NULL REFERENCES messages(id),
			PRIMARY KEY(userid, msgid)
		)`); err != nil {
		return err
	}

	err = tx.Commit()
	if err == nil {
		a.version = adpVersion
	}
	return err
}

type subsRow struct {
	UserId    int64  `db:"userid"`
	Class     string `db:"class"`
	Instance  string `db:"instance"`
	Wildcard  bool   `db:"wildcard"`
	Recipient string `db:"recipient"`
}

func (r *subsRow) triple() t.Triple {
	return t.Triple{Class: r.Class, Instance: r.Instance, Recipient: r.Recipient, AllInstances: r.Wildcard}
}

// SubsCreate persists a subscription. Existing subscription is left untouched.
func (a *adapter) SubsCreate(sub *t.UserTriple) error {
	_, err := a.db.Exec(
		"INSERT OR IGNORE INTO subscriptions(createdat,userid,tkey,class,instance,wildcard,recipient) VALUES(?,?,?,?,?,?,?)",
		t.TimeNow().UnixMilli(), int64(sub.User), common.TripleKey(sub.Triple),
		sub.Triple.Class, sub.Triple.Instance, sub.Triple.AllInstances, sub.Triple.Recipient)
	return err
}

// SubsDelete deletes a subscription.
func (a *adapter) SubsDelete(sub *t.UserTriple) error {
	_, err := a.db.Exec("DELETE FROM subscriptions WHERE userid=? AND tkey=?",
		int64(sub.User), common.TripleKey(sub.Triple))
	return err
}

// SubsForUser loads triples the user is subscribed to.
func (a *adapter) SubsForUser(uid t.Uid) ([]t.Triple, error) {
	var rows []subsRow
	err := a.db.Select(&rows,
		"SELECT userid,class,instance,wildcard,recipient FROM subscriptions WHERE userid=? ORDER BY id",
		int64(uid))
	if err != nil {
		return nil, err
	}

	subs := make([]t.Triple, 0, len(rows))
	for i := range rows {
		subs = append(subs, rows[i].triple())
	}
	return subs, nil
}

// SubsGetAll loads every subscription of every user.
func (a *adapter) SubsGetAll() ([]t.UserTriple, error) {
	var rows []subsRow
	err := a.db.Select(&rows, "SELECT userid,class,instance,wildcard,recipient FROM subscriptions ORDER BY id")
	if err != nil {
		return nil, err
	}

	subs := make([]t.UserTriple, 0, len(rows))
	for i := range rows {
		subs = append(subs, t.UserTriple{User: t.Uid(rows[i].UserId), Triple: rows[i].triple()})
	}
	return subs, nil
}

// MessageSave saves message to database and links it to the users.
func (a *adapter) MessageSave(msg *t.Message, users []t.Uid) error {
	tx, err := a.db.Beginx()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var res sql.Result
	res, err = tx.Exec("INSERT INTO messages(createdat,class,instance,recipient,body) VALUES(?,?,?,?,?)",
		msg.CreatedAt.UnixMilli(), msg.Triple.Class, msg.Triple.Instance, msg.Triple.Recipient, msg.Body)
	if err != nil {
		return err
	}
	var id int64
	if id, err = res.LastInsertId(); err != nil {
		return err
	}

	for _, uid := range common.DedupUids(users) {
		if _, err = tx.Exec("INSERT INTO usermessages(userid,msgid) VALUES(?,?)", int64(uid), id); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	msg.Id = id
	return nil
}

type messageRow struct {
	Id        int64  `db:"id"`
	CreatedAt int64  `db:"createdat"`
	Class     string `db:"class"`
	Instance  string `db:"instance"`
	Recipient string `db:"recipient"`
	Body      string `db:"body"`
}

// MessageGetAll returns messages visible to the user.
func (a *adapter) MessageGetAll(uid t.Uid, opts *t.QueryOpt) ([]t.Message, error) {
	query := "SELECT m.id,m.createdat,m.class,m.instance,m.recipient,m.body FROM messages AS m" +
		" JOIN usermessages AS u ON u.msgid=m.id WHERE u.userid=?"
	args := []interface{}{int64(uid)}

	op, desc := common.MessageRange(opts)
	if op != "" {
		query += " AND m.id" + op + "?"
		args = append(args, *opts.Offset)
	}
	if desc {
		query += " ORDER BY m.id DESC"
	} else {
		query += " ORDER BY m.id ASC"
	}
	query += " LIMIT ?"
	args = append(args, common.SelectLimit(opts, a.maxResults))

	var rows []messageRow
	if err := a.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}

	msgs := make([]t.Message, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		msgs = append(msgs, t.Message{
			Id:        r.Id,
			CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
			Triple:    t.Triple{Class: r.Class, Instance: r.Instance, Recipient: r.Recipient},
			Body:      r.Body,
		})
	}
	return msgs, nil
}

// Check if the error means the schema has not been created.
func isMissingDb(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func init() {
	store.RegisterAdapter(&adapter{})
}

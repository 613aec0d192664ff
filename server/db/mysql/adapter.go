// Package mysql is a database adapter for MySQL and MariaDB.
package mysql

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	ms "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/roost-im/roost/server/db/common"
	"github.com/roost-im/roost/server/store"
	t "github.com/roost-im/roost/server/store/types"
)

// adapter holds MySQL connection data.
type adapter struct {
	db         *sqlx.DB
	dsn        string
	dbName     string
	version    int
	maxResults int
}

const (
	defaultDSN      = "root:@tcp(localhost:3306)/roost?parseTime=true"
	defaultDatabase = "roost"

	adpVersion = 1

	adapterName = "mysql"
)

type configType struct {
	DSN    string `json:"dsn,omitempty"`
	DBName string `json:"database,omitempty"`
	// Connection pool settings.
	MaxOpenConns    int `json:"max_open_conns,omitempty"`
	MaxIdleConns    int `json:"max_idle_conns,omitempty"`
	ConnMaxLifetime int `json:"conn_max_lifetime,omitempty"`
}

// Open initializes the connection pool.
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.db != nil {
		return errors.New("mysql adapter is already connected")
	}

	var err error
	var config configType
	if len(jsonconfig) > 0 {
		if err = json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("mysql adapter failed to parse config: " + err.Error())
		}
	}

	dsn := config.DSN
	if dsn == "" {
		dsn = defaultDSN
	}
	cfg, err := ms.ParseDSN(dsn)
	if err != nil {
		return errors.New("mysql adapter failed to parse DSN: " + err.Error())
	}

	a.dbName = config.DBName
	if a.dbName == "" {
		a.dbName = cfg.DBName
	}
	if a.dbName == "" {
		a.dbName = defaultDatabase
	}
	cfg.DBName = a.dbName
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	a.dsn = cfg.FormatDSN()

	a.db, err = sqlx.Open("mysql", a.dsn)
	if err != nil {
		return err
	}

	// sql.Open does not open the network connection.
	// Force network connection here.
	if err = a.db.Ping(); isMissingDb(err) {
		// Missing DB is OK if we are initializing the database.
		err = nil
	} else if err != nil {
		a.db.Close()
		a.db = nil
		return err
	}

	if config.MaxOpenConns > 0 {
		a.db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		a.db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		a.db.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
	}

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

	var vers int
	err := a.db.Get(&vers, "SELECT `value` FROM kvmeta WHERE `key`='version'")
	if err != nil {
		if isMissingDb(err) || err == sql.ErrNoRows {
			err = errors.New("Database not initialized")
		}
		return -1, err
	}
	a.version = vers

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
	// Can't use a.db here: the database may not exist yet.
	cfg, err := ms.ParseDSN(a.dsn)
	if err != nil {
		return err
	}
	cfg.DBName = ""
	conn, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return err
	}
	defer conn.Close()

	if reset {
		if _, err = conn.Exec("DROP DATABASE IF EXISTS " + a.dbName); err != nil {
			return err
		}
	}
	if _, err = conn.Exec("CREATE DATABASE " + a.dbName + " CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci"); err != nil {
		return err
	}

	// DDL statements commit implicitly in MySQL, no point in using a transaction.
	if _, err = a.db.Exec(
		"CREATE TABLE kvmeta(" +
			"`key`   CHAR(32)," +
			"`value` TEXT," +
			"PRIMARY KEY(`key`)" +
			")"); err != nil {
		return err
	}
	if _, err = a.db.Exec("INSERT INTO kvmeta(`key`, `value`) VALUES('version', ?)", strconv.Itoa(adpVersion)); err != nil {
		return err
	}

	if _, err = a.db.Exec(
		`CREATE TABLE subscriptions(
			id        INT NOT NULL AUTO_INCREMENT,
			createdat DATETIME(3) NOT NULL,
			userid    BIGINT NOT NULL,
			tkey      CHAR(64) NOT NULL,
			class     VARCHAR(255) NOT NULL,
			instance  VARCHAR(255) NOT NULL DEFAULT '',
			wildcard  BOOLEAN NOT NULL DEFAULT FALSE,
			recipient VARCHAR(255) NOT NULL,
			PRIMARY KEY(id),
			UNIQUE INDEX subscriptions_userid_tkey(userid, tkey)
		)`); err != nil {
		return err
	}

	if _, err = a.db.Exec(
		`CREATE TABLE messages(
			id        BIGINT NOT NULL AUTO_INCREMENT,
			createdat DATETIME(3) NOT NULL,
			class     VARCHAR(255) NOT NULL,
			instance  VARCHAR(255) NOT NULL,
			recipient VARCHAR(255) NOT NULL,
			body      MEDIUMTEXT NOT NULL,
			PRIMARY KEY(id)
		)`); err != nil {
		return err
	}

	if _, err = a.db.Exec(
		`CREATE TABLE usermessages(
			userid BIGINT NOT NULL,
			msgid  BIGINT NOT NULL,
			PRIMARY KEY(userid, msgid),
			FOREIGN KEY(msgid) REFERENCES messages(id)
		)`); err != nil {
		return err
	}

	a.version = adpVersion
	return nil
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
		"INSERT INTO subscriptions(createdat,userid,tkey,class,instance,wildcard,recipient) VALUES(?,?,?,?,?,?,?)",
		t.TimeNow(), int64(sub.User), common.TripleKey(sub.Triple),
		sub.Triple.Class, sub.Triple.Instance, sub.Triple.AllInstances, sub.Triple.Recipient)
	if isDupe(err) {
		err = nil
	}
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
		msg.CreatedAt, msg.Triple.Class, msg.Triple.Instance, msg.Triple.Recipient, msg.Body)
	if err != nil {
		return err
	}
	var id int64
	if id, err = res.LastInsertId(); err != nil {
		return err
	}

	if uids := common.DedupUids(users); len(uids) > 0 {
		rows := make([]map[string]interface{}, len(uids))
		for i, uid := range uids {
			rows[i] = map[string]interface{}{"userid": int64(uid), "msgid": id}
		}
		if _, err = tx.NamedExec("INSERT INTO usermessages(userid,msgid) VALUES(:userid,:msgid)", rows); err != nil {
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
	Id        int64     `db:"id"`
	CreatedAt time.Time `db:"createdat"`
	Class     string    `db:"class"`
	Instance  string    `db:"instance"`
	Recipient string    `db:"recipient"`
	Body      string    `db:"body"`
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
			CreatedAt: r.CreatedAt.UTC(),
			Triple:    t.Triple{Class: r.Class, Instance: r.Instance, Recipient: r.Recipient},
			Body:      r.Body,
		})
	}
	return msgs, nil
}

// Helper functions

// Check if MySQL error is a Error Code: 1062. Duplicate entry ... for key ...
func isDupe(err error) bool {
	var myerr *ms.MySQLError
	return errors.As(err, &myerr) && myerr.Number == 1062
}

// Check if MySQL error is Error 1049: Unknown database or Error 1146: Table doesn't exist.
func isMissingDb(err error) bool {
	var myerr *ms.MySQLError
	return errors.As(err, &myerr) && (myerr.Number == 1049 || myerr.Number == 1146)
}

// GetTestAdapter returns an adapter object. It's required for running tests.
func GetTestAdapter() *adapter {
	return &adapter{}
}

func init() {
	store.RegisterAdapter(&adapter{})
}

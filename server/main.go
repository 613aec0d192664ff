/******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	jcr "github.com/tinode/jsonco"

	"github.com/roost-im/roost/server/auth"
	_ "github.com/roost-im/roost/server/auth/anon"
	_ "github.com/roost-im/roost/server/auth/token"
	_ "github.com/roost-im/roost/server/db/mongodb"
	_ "github.com/roost-im/roost/server/db/mysql"
	_ "github.com/roost-im/roost/server/db/postgres"
	_ "github.com/roost-im/roost/server/db/rethinkdb"
	_ "github.com/roost-im/roost/server/db/sqlite"
	"github.com/roost-im/roost/server/logs"
	"github.com/roost-im/roost/server/msgid"
	"github.com/roost-im/roost/server/store"
	"github.com/roost-im/roost/server/store/types"
	"github.com/roost-im/roost/server/subscriber"
	"github.com/roost-im/roost/server/upstream"
	_ "github.com/roost-im/roost/server/upstream/memory"
	_ "github.com/roost-im/roost/server/upstream/redis"
)

const (
	// currentVersion is the current API/protocol version
	currentVersion = "1"

	// Default address to listen on.
	defaultListen = ":8080"
	// Default prefix of API endpoints.
	defaultApiPath = "/api/"
	// Default path to expose metrics at.
	defaultMetricsPath = "/metrics"

	// Default time to wait for upstream subscriptions to close.
	defaultShutdownTimeout = 10 * time.Second

	// Maximum size of a client request or websocket frame.
	defaultMaxMessageSize = 1 << 16

	// Number of upstream subscriptions opened or closed in parallel.
	defaultWorkers = 8
)

// Build timestamp defined by the compiler
var buildstamp = "undef"

var globals struct {
	subscriber *subscriber.Subscriber
	// Authenticator of API requests and push connections.
	authenticator auth.Authenticator
	// Generator of push session ids.
	sidGen types.UidGenerator

	maxMessageSize  int64
	shutdownTimeout time.Duration
}

type authConfigType struct {
	// Name of the authenticator to use.
	Use string `json:"use"`
	// Configurations of individual authenticators.
	Authenticators map[string]json.RawMessage `json:"authenticators"`
}

// Contents of the configuration file
type configType struct {
	// HTTP(S) address:port to listen on for API requests and push connections.
	Listen string `json:"listen"`
	// Prefix of API endpoints, i.e. "/api/".
	ApiPath string `json:"api_path"`
	// Path to expose Prometheus metrics at. "-" to disable.
	MetricsPath string `json:"metrics_path"`
	// Secret for sealing message ids, base64-encoded, at least 32 bytes.
	MsgidSecret []byte `json:"msgid_secret"`
	// Seconds to wait for upstream subscriptions to close on shutdown.
	ShutdownTimeout int `json:"shutdown_timeout"`
	// Maximum size of a client request, bytes.
	MaxMessageSize int `json:"max_message_size"`
	// Number of upstream subscriptions opened or closed in parallel.
	Workers int `json:"workers"`
	// Snowflake worker id and XTEA key of the session id generator.
	WorkerID int    `json:"worker_id"`
	SidKey   []byte `json:"sid_key"`

	StoreConfig    json.RawMessage `json:"store_config"`
	UpstreamConfig json.RawMessage `json:"upstream_config"`
	AuthConfig     authConfigType  `json:"auth_config"`
}

// Settings which can be overridden from the environment.
type envConfig struct {
	Listen string `env:"ROOST_LISTEN"`
	// Base64-encoded.
	MsgidSecret string `env:"ROOST_MSGID_SECRET"`
	// Base64-encoded key of the token authenticator.
	TokenKey string `env:"ROOST_TOKEN_KEY"`
}

func loadConfig(path string) (*configType, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config configType
	jr := jcr.New(file)
	if err = json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, errors.New("unmarshall error in config file in " + jerr.Field + " at " +
				strconv.Itoa(lnum) + ":" + strconv.Itoa(cnum) + ": " + jerr.Error())
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, errors.New("syntax error in config file at " + strconv.Itoa(lnum) + ":" + strconv.Itoa(cnum) + ": " + jerr.Error())
		default:
			return nil, err
		}
	}
	return &config, nil
}

// applyEnv overrides config values with the ones set in the environment.
func applyEnv(config *configType) error {
	var env envConfig
	if err := envdecode.Decode(&env); err != nil {
		if err == envdecode.ErrNoTargetFieldsAreSet {
			return nil
		}
		return err
	}

	if env.Listen != "" {
		config.Listen = env.Listen
	}
	if env.MsgidSecret != "" {
		secret, err := base64.StdEncoding.DecodeString(env.MsgidSecret)
		if err != nil {
			return errors.New("ROOST_MSGID_SECRET: " + err.Error())
		}
		config.MsgidSecret = secret
	}
	if env.TokenKey != "" {
		conf := make(map[string]any)
		if raw := config.AuthConfig.Authenticators["token"]; len(raw) > 0 {
			if err := json.Unmarshal(raw, &conf); err != nil {
				return errors.New("auth_config.authenticators.token: " + err.Error())
			}
		}
		// []byte fields are base64 in JSON, the value is used as is.
		conf["key"] = env.TokenKey
		raw, _ := json.Marshal(conf)
		if config.AuthConfig.Authenticators == nil {
			config.AuthConfig.Authenticators = make(map[string]json.RawMessage)
		}
		config.AuthConfig.Authenticators["token"] = raw
	}
	return nil
}

func (c *configType) applyDefaults() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.ApiPath == "" {
		c.ApiPath = defaultApiPath
	}
	if c.ApiPath[len(c.ApiPath)-1] != '/' {
		c.ApiPath += "/"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = defaultMetricsPath
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = int(defaultShutdownTimeout / time.Second)
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.AuthConfig.Use == "" {
		c.AuthConfig.Use = "anon"
	}
}

func main() {
	executable, _ := os.Executable()

	var configfile = flag.String("config", "roost.conf", "Path to config file.")
	var listenOn = flag.String("listen", "", "Override address and port to listen on for HTTP(S) clients.")
	var staticPath = flag.String("static_data", "", "File path to directory with static files to be served.")
	var logFlags = flag.String("log_flags", "stdFlags",
		"Comma-separated list of log flags (as defined in https://golang.org/pkg/log/#pkg-constants without the L prefix)")
	flag.Parse()

	logs.Init(os.Stderr, *logFlags)

	logs.Info.Printf("Server v%s:%s:%s; pid %d; %d process(es)",
		currentVersion, executable, buildstamp, os.Getpid(), runtime.GOMAXPROCS(runtime.NumCPU()))

	logs.Info.Printf("Using config from '%s'", *configfile)
	config, err := loadConfig(*configfile)
	if err != nil {
		logs.Err.Fatal("Failed to parse config file: ", err)
	}
	if err = applyEnv(config); err != nil {
		logs.Err.Fatal("Failed to read environment: ", err)
	}
	if *listenOn != "" {
		config.Listen = *listenOn
	}
	config.applyDefaults()

	if err = run(config, *staticPath); err != nil {
		logs.Err.Fatal(err)
	}
	logs.Info.Println("All done, good bye")
}

// run wires the components and serves until shutdown. Resources opened here
// are released before it returns.
func run(config *configType, staticPath string) error {
	if err := store.Store.Open(config.StoreConfig); err != nil {
		return errors.New("failed to open DB: " + err.Error())
	}
	logs.Info.Println("DB adapter", store.Store.GetAdapterName(), store.Store.GetAdapterVersion())
	defer func() {
		store.Store.Close()
		logs.Info.Println("Closed database connection(s)")
	}()

	feed, err := upstream.Use(config.UpstreamConfig)
	if err != nil {
		return errors.New("failed to initialize upstream feed: " + err.Error())
	}
	logs.Info.Println("Upstream feed", feed.Name())
	defer feed.Close()

	codec, err := msgid.New(config.MsgidSecret)
	if err != nil {
		return errors.New("invalid msgid_secret: " + err.Error())
	}

	globals.authenticator, err = auth.Init(config.AuthConfig.Use, config.AuthConfig.Authenticators[config.AuthConfig.Use])
	if err != nil {
		return errors.New("failed to initialize authenticator '" + config.AuthConfig.Use + "': " + err.Error())
	}

	if err = globals.sidGen.Init(uint(config.WorkerID), config.SidKey); err != nil {
		return errors.New("failed to initialize session id generator: " + err.Error())
	}

	globals.maxMessageSize = int64(config.MaxMessageSize)
	globals.shutdownTimeout = time.Duration(config.ShutdownTimeout) * time.Second

	globals.subscriber, err = subscriber.New(subscriber.Config{
		Feed:     feed,
		Subs:     store.Subs,
		Messages: store.Messages,
		Codec:    codec,
		Workers:  config.Workers,
	})
	if err != nil {
		return err
	}

	logs.Info.Println("Starting subscriber...")
	if err = globals.subscriber.Start(context.Background()); err != nil {
		var serr *subscriber.StartError
		if !errors.As(err, &serr) {
			return errors.New("failed to start subscriber: " + err.Error())
		}
		// Failed triples are not fatal: the subscriptions stay in the DB and
		// are retried on the next start or subscribe.
		logs.Warn.Println(err)
	}
	logs.Info.Println("...started")

	mux := http.NewServeMux()
	apiInit(mux, config.ApiPath)
	statsInit(mux, config.MetricsPath)

	if staticPath != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(staticPath)))
		logs.Info.Printf("Serving static content from '%s'", staticPath)
	}

	return listenAndServe(config.Listen, httpHandler(mux), signalHandler())
}

// Command roost-db creates, resets or verifies the roost database and optionally
// loads sample subscriptions.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"strconv"
	"strings"

	_ "github.com/roost-im/roost/server/db/mongodb"
	_ "github.com/roost-im/roost/server/db/mysql"
	_ "github.com/roost-im/roost/server/db/postgres"
	_ "github.com/roost-im/roost/server/db/rethinkdb"
	_ "github.com/roost-im/roost/server/db/sqlite"
	"github.com/roost-im/roost/server/store"
	"github.com/roost-im/roost/server/store/types"
	jcr "github.com/tinode/jsonco"
)

type configType struct {
	StoreConfig json.RawMessage `json:"store_config"`
}

/*
Sample data file:

	{
	  "subscriptions": [
	    {"user": 1, "triple": ["message", null, "alice"]},
	    {"user": 1, "triple": ["help", "roost", "*"]},
	    {"user": 2, "triple": ["message", "personal", "bob@ATHENA.MIT.EDU"]}
	  ]
	}
*/
type sampleSub struct {
	User   uint64       `json:"user"`
	Triple types.Triple `json:"triple"`
}

// Data is the content of the sample data file.
type Data struct {
	Subscriptions []sampleSub `json:"subscriptions"`
}

var errNotFound = errors.New("database not found")

type options struct {
	reset  bool
	noInit bool
}

func main() {
	var reset = flag.Bool("reset", false, "force database reset")
	var noInit = flag.Bool("no_init", false, "check that database exists but don't create if missing")
	var datafile = flag.String("data", "", "name of file with sample subscriptions to load")
	var conffile = flag.String("config", "./roost.conf", "config of the database connection")

	flag.Parse()

	var data Data
	if *datafile != "" {
		raw, err := os.ReadFile(*datafile)
		if err != nil {
			log.Fatalln("Failed to read sample data file:", err)
		}
		if err = json.Unmarshal(raw, &data); err != nil {
			log.Fatalln("Failed to parse sample data:", err)
		}
	}

	file, err := os.Open(*conffile)
	if err != nil {
		log.Fatalln("Failed to read config file:", err)
	}
	config, err := parseConfig(file)
	file.Close()
	if err != nil {
		log.Fatalln(err)
	}

	defer store.Store.Close()

	created, err := initDb(config.StoreConfig, options{reset: *reset, noInit: *noInit})
	if err != nil {
		log.Fatalln("Failed to init DB:", err)
	}
	if !created {
		log.Println("Database exists, DB version is correct. All done.")
		return
	}

	if err = loadData(&data); err != nil {
		log.Fatalln("Failed to load sample data:", err)
	}
}

func parseConfig(file *os.File) (*configType, error) {
	var config configType
	jr := jcr.New(file)
	if err := json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, errors.New("unmarshall error in config file in " + jerr.Field + " at " +
				strconv.Itoa(lnum) + ":" + strconv.Itoa(cnum) + ": " + jerr.Error())
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			return nil, errors.New("syntax error in config file at " +
				strconv.Itoa(lnum) + ":" + strconv.Itoa(cnum) + ": " + jerr.Error())
		default:
			return nil, errors.New("failed to parse config file: " + err.Error())
		}
	}
	if len(config.StoreConfig) == 0 {
		return nil, errors.New("store_config is missing in config file")
	}
	return &config, nil
}

// initDb opens the database and creates the schema when it's missing, has the wrong
// version or a reset is requested. Returns true if the schema was (re)created.
func initDb(storeConfig json.RawMessage, opts options) (bool, error) {
	err := store.Store.Open(storeConfig)

	log.Println("Database", store.Store.GetAdapterName(), store.Store.GetAdapterVersion())

	if err != nil {
		if strings.Contains(err.Error(), "Database not initialized") {
			if opts.noInit {
				return false, errNotFound
			}
			log.Println("Database not found. Creating.")
		} else if strings.Contains(err.Error(), "Invalid database version") {
			msg := "Wrong DB version: expected " + strconv.Itoa(store.Store.GetAdapterVersion()) + ", got " +
				strconv.Itoa(store.Store.GetDbVersion()) + "."
			if !opts.reset {
				return false, errors.New(msg + " Use --reset to reset.")
			}
			log.Println(msg, "Dropping and recreating the database.")
		} else {
			return false, err
		}
	} else if opts.reset {
		log.Println("Database reset requested")
	} else {
		return false, nil
	}

	if err = store.Store.InitDb(storeConfig, true); err != nil {
		return false, err
	}
	if opts.reset {
		log.Println("Database reset")
	} else {
		log.Println("Database initialized")
	}
	return true, nil
}

// loadData saves sample subscriptions.
func loadData(data *Data) error {
	for _, ss := range data.Subscriptions {
		uid := types.Uid(ss.User)
		if uid.IsZero() {
			return errors.New("sample subscription without a user")
		}
		if err := ss.Triple.Validate(); err != nil {
			return err
		}
		if err := store.Subs.Create(uid, ss.Triple); err != nil {
			return err
		}
	}
	if len(data.Subscriptions) > 0 {
		log.Println("Loaded", len(data.Subscriptions), "sample subscriptions")
	}
	return nil
}

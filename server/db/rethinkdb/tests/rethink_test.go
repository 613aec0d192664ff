// Runs the adapter test suite against a live RethinkDB server. The test is skipped
// unless the ROOST_TEST_RETHINKDB_ADDR environment variable points to the server, e.g.
//
//	ROOST_TEST_RETHINKDB_ADDR=localhost:28015 go test ./server/db/rethinkdb/tests
package tests

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/roost-im/roost/server/db/common/testsuite"
	backend "github.com/roost-im/roost/server/db/rethinkdb"
)

func TestAdapterSuite(t *testing.T) {
	addr := os.Getenv("ROOST_TEST_RETHINKDB_ADDR")
	if addr == "" {
		t.Skip("ROOST_TEST_RETHINKDB_ADDR is not set")
	}

	conf, _ := json.Marshal(map[string]string{"addresses": addr, "database": "roost_test"})
	adp := backend.GetTestAdapter()
	if err := adp.Open(conf); err != nil {
		t.Fatal(err)
	}
	defer adp.Close()

	if err := adp.CreateDb(true); err != nil {
		t.Fatal(err)
	}
	testsuite.Run(t, adp)
}

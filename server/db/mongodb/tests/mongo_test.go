// Runs the adapter test suite against a live MongoDB server. The test is skipped
// unless the ROOST_TEST_MONGODB_ADDR environment variable points to the server, e.g.
//
//	ROOST_TEST_MONGODB_ADDR=localhost:27017 go test ./server/db/mongodb/tests
package tests

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/roost-im/roost/server/db/common/testsuite"
	backend "github.com/roost-im/roost/server/db/mongodb"
)

func TestAdapterSuite(t *testing.T) {
	addr := os.Getenv("ROOST_TEST_MONGODB_ADDR")
	if addr == "" {
		t.Skip("ROOST_TEST_MONGODB_ADDR is not set")
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

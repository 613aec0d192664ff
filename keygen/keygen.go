// Generates secrets for roost.conf and issues authentication tokens.
//
//	keygen -secret [-length 32]       random base64 secret, i.e. msgid_secret or a token key
//	keygen -sid_key                   random 16 byte key for sid_key
//	keygen -uid 5 -key <base64>       issue a token for the user
//	keygen -validate <token> -key <base64>
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/roost-im/roost/server/auth"
	_ "github.com/roost-im/roost/server/auth/token"
	"github.com/roost-im/roost/server/msgid"
	"github.com/roost-im/roost/server/store/types"
)

const (
	// Length of the sid_key, XTEA key size.
	sidKeyLength = 16
	// Default token lifetime.
	defaultLifetime = 14 * 24 * time.Hour
)

var tokenAuth auth.Authenticator

func main() {
	var secret = flag.Bool("secret", false, "Generate a random secret")
	var length = flag.Int("length", msgid.MinSecretLength, "Length of the secret in bytes")
	var sidKey = flag.Bool("sid_key", false, "Generate a random session id key")
	var uid = flag.Uint64("uid", 0, "User id to issue a token for")
	var lifetime = flag.Duration("lifetime", defaultLifetime, "Token lifetime")
	var key = flag.String("key", "", "Base64-encoded token signing key")
	var token = flag.String("validate", "", "Token to validate")

	flag.Parse()

	var exitCode int
	switch {
	case *secret:
		exitCode = genSecret(os.Stdout, *length)
	case *sidKey:
		exitCode = genSecret(os.Stdout, sidKeyLength)
	case *uid != 0:
		exitCode = genToken(os.Stdout, *uid, *lifetime, *key)
	case *token != "":
		exitCode = validate(os.Stdout, *token, *key)
	default:
		flag.Usage()
		exitCode = 1
	}
	os.Exit(exitCode)
}

func genSecret(out io.Writer, length int) int {
	if length <= 0 {
		fmt.Fprintln(out, "Invalid length", length)
		return 1
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintln(out, "Failed to generate secret:", err)
		return 1
	}
	fmt.Fprintln(out, base64.StdEncoding.EncodeToString(buf))
	return 0
}

// getTokenAuth initializes the token authenticator with the key once per process.
func getTokenAuth(key string) (auth.Authenticator, error) {
	if tokenAuth != nil {
		return tokenAuth, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	conf, _ := json.Marshal(map[string]any{
		"key":       decoded,
		"expire_in": int(defaultLifetime / time.Second),
	})
	if tokenAuth, err = auth.Init("token", conf); err != nil {
		return nil, err
	}
	return tokenAuth, nil
}

func genToken(out io.Writer, uid uint64, lifetime time.Duration, key string) int {
	authn, err := getTokenAuth(key)
	if err != nil {
		fmt.Fprintln(out, err)
		return 1
	}
	user := &auth.User{Uid: types.Uid(uid)}
	token, expires, err := authn.GenSecret(user, lifetime)
	if err != nil {
		fmt.Fprintln(out, "Failed to generate token:", err)
		return 1
	}
	fmt.Fprintf(out, "Token for %s (%d), valid until %s:\n%s\n",
		user.Uid.String(), uid, expires.Format(time.RFC3339), base64.StdEncoding.EncodeToString(token))
	return 0
}

func validate(out io.Writer, token, key string) int {
	authn, err := getTokenAuth(key)
	if err != nil {
		fmt.Fprintln(out, err)
		return 1
	}
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		fmt.Fprintln(out, "INVALID: failed to decode token:", err)
		return 1
	}
	user, expires, err := authn.Authenticate(decoded)
	if err != nil {
		fmt.Fprintln(out, "INVALID:", err)
		return 1
	}
	fmt.Fprintf(out, "Valid for %s (%d) until %s\n", user.Uid.String(), uint64(user.Uid), expires.Format(time.RFC3339))
	return 0
}

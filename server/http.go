/******************************************************************************
 *
 *  Description :
 *
 *  REST API handlers.
 *
 *****************************************************************************/

package main

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/handlers"

	"github.com/roost-im/roost/server/auth"
	"github.com/roost-im/roost/server/logs"
	"github.com/roost-im/roost/server/store/types"
	"github.com/roost-im/roost/server/subscriber"
)

type subscribeRequest struct {
	Subscription *types.Triple  `json:"subscription"`
	Credentials  json.RawMessage `json:"credentials"`
}

type messagesResponse struct {
	Messages []subscriber.Message `json:"messages"`
}

// apiInit registers API endpoints under apiPath.
func apiInit(mux *http.ServeMux, apiPath string) {
	mux.HandleFunc("GET "+apiPath+"v1/subscriptions", authenticated(serveSubscriptions))
	mux.HandleFunc("POST "+apiPath+"v1/subscribe", authenticated(serveSubscribe))
	mux.HandleFunc("POST "+apiPath+"v1/unsubscribe", authenticated(serveUnsubscribe))
	mux.HandleFunc("GET "+apiPath+"v1/messages", authenticated(serveMessages))
	mux.HandleFunc("GET "+apiPath+"v1/socket", serveWebSocket)
}

// httpHandler wraps the mux into CORS and access log handlers.
func httpHandler(mux http.Handler) http.Handler {
	// No cookies are used, so any origin is fine.
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)
	return handlers.CombinedLoggingHandler(logs.Info.Writer(), cors(mux))
}

// sendError reports user errors as is, everything else as a bare 500.
func sendError(wrt http.ResponseWriter, err error) {
	if uerr, ok := types.IsUserError(err); ok {
		http.Error(wrt, uerr.Message, uerr.Code)
		return
	}
	logs.Err.Println("http:", err)
	wrt.WriteHeader(http.StatusInternalServerError)
}

func writeJSON(wrt http.ResponseWriter, v any) {
	wrt.Header().Set("Content-Type", "application/json; charset=utf-8")
	wrt.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(wrt).Encode(v); err != nil {
		logs.Warn.Println("http: failed to write response", err)
	}
}

// getAuthSecret extracts the authentication secret from the 'Authorization: Bearer' header
// or the 'auth' query parameter. The secret is base64-encoded.
func getAuthSecret(req *http.Request) ([]byte, error) {
	secret := req.URL.Query().Get("auth")
	if header := req.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return nil, types.ErrUnauthorized
		}
		secret = strings.TrimSpace(parts[1])
	}
	if secret == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, types.ErrUnauthorized
	}
	return decoded, nil
}

// authenticate identifies the user making the request.
func authenticate(req *http.Request) (*auth.User, error) {
	secret, err := getAuthSecret(req)
	if err != nil {
		return nil, err
	}
	user, _, err := globals.authenticator.Authenticate(secret)
	if err != nil {
		logs.Info.Println("http: authentication failed", req.RemoteAddr, err)
		return nil, types.ErrUnauthorized
	}
	return user, nil
}

func authenticated(handler func(http.ResponseWriter, *http.Request, *auth.User)) http.HandlerFunc {
	return func(wrt http.ResponseWriter, req *http.Request) {
		user, err := authenticate(req)
		if err != nil {
			sendError(wrt, err)
			return
		}
		handler(wrt, req, user)
	}
}

func serveSubscriptions(wrt http.ResponseWriter, req *http.Request, user *auth.User) {
	subs, err := globals.subscriber.Subscriptions(user.Uid)
	if err != nil {
		sendError(wrt, err)
		return
	}
	writeJSON(wrt, subs)
}

// parseSubscribeRequest reads the request body. Anything without a well-formed
// subscription triple is ErrInvalidSubscription.
func parseSubscribeRequest(wrt http.ResponseWriter, req *http.Request) (*subscribeRequest, error) {
	var body subscribeRequest
	dec := json.NewDecoder(http.MaxBytesReader(wrt, req.Body, globals.maxMessageSize))
	if err := dec.Decode(&body); err != nil || body.Subscription == nil {
		return nil, types.ErrInvalidSubscription
	}
	return &body, nil
}

func serveSubscribe(wrt http.ResponseWriter, req *http.Request, user *auth.User) {
	body, err := parseSubscribeRequest(wrt, req)
	if err == nil {
		err = globals.subscriber.Subscribe(req.Context(), user.Uid, *body.Subscription, body.Credentials)
	}
	if err != nil {
		sendError(wrt, err)
		return
	}
	wrt.WriteHeader(http.StatusOK)
}

func serveUnsubscribe(wrt http.ResponseWriter, req *http.Request, user *auth.User) {
	body, err := parseSubscribeRequest(wrt, req)
	if err == nil {
		err = globals.subscriber.Unsubscribe(req.Context(), user.Uid, *body.Subscription)
	}
	if err != nil {
		sendError(wrt, err)
		return
	}
	wrt.WriteHeader(http.StatusOK)
}

func serveMessages(wrt http.ResponseWriter, req *http.Request, user *auth.User) {
	query := req.URL.Query()
	limit := int(toInt32(query.Get("count")))
	if limit < 0 {
		limit = 0
	}
	msgs, err := globals.subscriber.Messages(user.Uid, subscriber.MessageQuery{
		Offset:    query.Get("offset"),
		Inclusive: toInt32(query.Get("inclusive")) != 0,
		Reverse:   toInt32(query.Get("reverse")) != 0,
		Limit:     limit,
	})
	if err != nil {
		sendError(wrt, err)
		return
	}
	writeJSON(wrt, &messagesResponse{Messages: msgs})
}

// toInt32 converts a query parameter to a 32-bit integer the lenient way:
// fractions are truncated, out of range values wrap around, anything
// unparseable is 0.
func toInt32(s string) int32 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// Hex, octal and binary literals.
		i, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return 0
		}
		f = float64(i)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	f = math.Mod(math.Trunc(f), 1<<32)
	return int32(uint32(int64(f)))
}

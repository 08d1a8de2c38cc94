package gateway

import (
	"net/url"
	"strings"
)

// browserClientPrefix is stripped from an incoming clientId so downstream
// code always sees a single canonical form (spec §4.3 step 3, §8 boundary 10).
const browserClientPrefix = "browser-"

func canonicalClientID(raw string) string {
	return strings.TrimPrefix(raw, browserClientPrefix)
}

// connectQuery holds the two query parameters a socket upgrade carries.
// The token is intentionally never validated here: spec §4.3 step 4 treats
// it as an opaque pass-through for whatever sits in front of this broker.
// requireToken only gates presence, not validity.
type connectQuery struct {
	ClientID string
	Token    string
}

func parseConnectQuery(values url.Values) connectQuery {
	return connectQuery{
		ClientID: canonicalClientID(values.Get("clientId")),
		Token:    values.Get("token"),
	}
}

package gateway

import (
	"net/url"
	"testing"
)

func TestCanonicalClientIDStripsBrowserPrefix(t *testing.T) {
	if got := canonicalClientID("browser-abc123"); got != "abc123" {
		t.Fatalf("canonicalClientID = %q, want abc123", got)
	}
}

func TestCanonicalClientIDLeavesOthersUnchanged(t *testing.T) {
	if got := canonicalClientID("abc123"); got != "abc123" {
		t.Fatalf("canonicalClientID = %q, want abc123", got)
	}
}

func TestParseConnectQueryExtractsBoth(t *testing.T) {
	values := url.Values{
		"clientId": {"browser-xyz"},
		"token":    {"tok-1"},
	}
	q := parseConnectQuery(values)
	if q.ClientID != "xyz" {
		t.Errorf("ClientID = %q, want xyz", q.ClientID)
	}
	if q.Token != "tok-1" {
		t.Errorf("Token = %q, want tok-1", q.Token)
	}
}

func TestParseConnectQueryMissingTokenIsEmpty(t *testing.T) {
	q := parseConnectQuery(url.Values{"clientId": {"c1"}})
	if q.Token != "" {
		t.Errorf("Token = %q, want empty", q.Token)
	}
}

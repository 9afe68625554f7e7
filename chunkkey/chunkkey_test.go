package chunkkey

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestNewIsDeterministic(t *testing.T) {
	a := New("alice", "/docs/report.txt", 0)
	b := New("alice", "/docs/report.txt", 0)

	if !a.Equal(b) {
		t.Fatalf("same context produced different keys: %s != %s", a, b)
	}
	if len(a.String()) != StringLen {
		t.Fatalf("unexpected key length: %d", len(a.String()))
	}
}

func TestNewDependsOnFullContext(t *testing.T) {
	base := New("alice", "/docs/report.txt", 0)

	variants := []Key{
		New("bob", "/docs/report.txt", 0),
		New("alice", "/docs/other.txt", 0),
		New("alice", "/docs/report.txt", 1),
	}

	for i, v := range variants {
		if base.Equal(v) {
			t.Fatalf("variant %d collided with base key %s", i, base)
		}
	}
}

func TestParseRejectsMalformedKeys(t *testing.T) {
	bad := []string{
		"",
		"abc",
		"../../../etc/passwd",
		strings.Repeat("z", StringLen),       // not hex
		strings.Repeat("a", StringLen-1),     // too short
		strings.Repeat("a", StringLen+2),     // too long
		"../" + strings.Repeat("a", StringLen-3), // traversal attempt of right length
	}

	for _, s := range bad {
		if _, err := Parse(s); err == nil {
			t.Fatalf("Parse(%q) accepted a malformed key", s)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	k := New("alice", "/a/b", 7)

	parsed, err := Parse(k.String())
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(k) {
		t.Fatalf("round trip mismatch: %s != %s", parsed, k)
	}
}

func TestCBORRoundTrip(t *testing.T) {
	k := New("alice", "/a/b", 3)

	enc, err := cbor.Marshal(k)
	if err != nil {
		t.Fatal(err)
	}

	var k2 Key
	if err := cbor.Unmarshal(enc, &k2); err != nil {
		t.Fatal(err)
	}
	if !k2.Equal(k) || k2.String() != k.String() {
		t.Fatalf("CBOR round trip mismatch: %s != %s", k2, k)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	k := New("alice", "/a/b", 3)

	enc, err := json.Marshal(k)
	if err != nil {
		t.Fatal(err)
	}

	var k2 Key
	if err := json.Unmarshal(enc, &k2); err != nil {
		t.Fatal(err)
	}
	if !k2.Equal(k) {
		t.Fatalf("JSON round trip mismatch: %s != %s", k2, k)
	}

	// A snapshot with a doctored key must not load.
	if err := json.Unmarshal([]byte(`"../../x"`), &k2); err == nil {
		t.Fatal("unmarshal accepted a traversal string")
	}
}

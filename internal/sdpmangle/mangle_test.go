package sdpmangle

import "testing"

const privateSDP = "v=0\r\n" +
	"o=- 123 456 IN IP4 10.0.0.5\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0\r\n" +
	"c=IN IP4 10.0.0.5\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

func TestMangleRewritesPrivateAddress(t *testing.T) {
	out, changed, err := Mangle([]byte(privateSDP), "203.0.113.7")
	if err != nil {
		t.Fatalf("Mangle error: %v", err)
	}
	if !changed {
		t.Fatal("expected change for private address")
	}
	// Only c= lines are rewritten; the o= origin line keeps its address.
	if got := string(out); containsString(got, "c=IN IP4 10.0.0.5") {
		t.Fatalf("mangled body still contains private connection address: %s", got)
	}
	if !containsString(string(out), "c=IN IP4 203.0.113.7") {
		t.Fatalf("mangled body missing new address: %s", out)
	}
}

// Idempotence when address already matches.
func TestMangleIdempotent(t *testing.T) {
	first, _, err := Mangle([]byte(privateSDP), "203.0.113.7")
	if err != nil {
		t.Fatalf("first Mangle error: %v", err)
	}
	second, changed, err := Mangle(first, "203.0.113.7")
	if err != nil {
		t.Fatalf("second Mangle error: %v", err)
	}
	if changed {
		t.Fatal("second Mangle should be a no-op once address matches")
	}
	if string(second) != string(first) {
		t.Fatalf("Mangle not idempotent:\nfirst:  %s\nsecond: %s", first, second)
	}
}

func TestMangleNoopOnNonSDP(t *testing.T) {
	_, changed, err := Mangle([]byte("not sdp at all"), "203.0.113.7")
	if err == nil {
		t.Fatal("expected parse error for non-SDP body")
	}
	if changed {
		t.Fatal("non-SDP body must never report changed")
	}
}

func TestMangleLeavesPortsAndAttributesAlone(t *testing.T) {
	out, _, err := Mangle([]byte(privateSDP), "203.0.113.7")
	if err != nil {
		t.Fatalf("Mangle error: %v", err)
	}
	if !containsString(string(out), "m=audio 4000") {
		t.Fatalf("port should be untouched: %s", out)
	}
	if !containsString(string(out), "a=rtpmap:0 PCMU/8000") {
		t.Fatalf("media attribute should be untouched: %s", out)
	}
}

func containsString(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

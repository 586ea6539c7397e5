package protocol

import "testing"

func withFixedClock(t *testing.T, at float64) {
	t.Helper()
	prev := Now
	Now = func() float64 { return at }
	t.Cleanup(func() { Now = prev })
}

func TestParseTell(t *testing.T) {
	withFixedClock(t, 1000)
	msg, err := Parse("x=1\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Kind != KindTell || msg.Key != "x" || msg.Value != "1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestParseTellTS(t *testing.T) {
	msg, err := Parse("1700000000+60@y=42\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Kind != KindTellTS || msg.Key != "y" || msg.Value != "42" || msg.Time != 1700000000 || msg.TTL != 60 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestParseTellNoStore(t *testing.T) {
	msg, err := Parse("x#=1\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !msg.NoStore || msg.Key != "x" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestParseAskPlain(t *testing.T) {
	msg, err := Parse("x?\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Kind != KindAsk || msg.WithTS {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestParseAskWithTSNoDeltaIsAskNotHist(t *testing.T) {
	withFixedClock(t, 500)
	msg, err := Parse("@x?\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Kind != KindAsk || !msg.WithTS {
		t.Fatalf("expected timestamped Ask, got %+v", msg)
	}
}

func TestParseAskHistRequiresNonzeroDelta(t *testing.T) {
	msg, err := Parse("100+50@x?\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Kind != KindAskHist || msg.Key != "x" || msg.Time != 100 || msg.TTL != 50 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestParseAskWild(t *testing.T) {
	msg, err := Parse("a/*\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Kind != KindAskWild || msg.Key != "a/" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestParseSubscribeUnsub(t *testing.T) {
	msg, err := Parse("foo:\n")
	if err != nil || msg.Kind != KindSubscribe || msg.Key != "foo" {
		t.Fatalf("subscribe parse failed: %+v %v", msg, err)
	}
	msg, err = Parse("foo|\n")
	if err != nil || msg.Kind != KindUnsub || msg.Key != "foo" {
		t.Fatalf("unsub parse failed: %+v %v", msg, err)
	}
}

func TestParseLockUnlockLockRes(t *testing.T) {
	msg, err := Parse("0+0@k$+c1\n")
	if err != nil || msg.Kind != KindLock || msg.Key != "k" || msg.Client != "c1" {
		t.Fatalf("lock parse failed: %+v %v", msg, err)
	}
	msg, err = Parse("k$-c1\n")
	if err != nil || msg.Kind != KindUnlock || msg.Client != "c1" {
		t.Fatalf("unlock parse failed: %+v %v", msg, err)
	}
	msg, err = Parse("k$c1\n")
	if err != nil || msg.Kind != KindLockRes || msg.Client != "c1" {
		t.Fatalf("lockres parse failed: %+v %v", msg, err)
	}
}

func TestParseRewrite(t *testing.T) {
	msg, err := Parse("new~old\n")
	if err != nil || msg.Kind != KindRewrite || msg.NewPrefix != "new" || msg.OldPrefix != "old" {
		t.Fatalf("rewrite parse failed: %+v %v", msg, err)
	}
}

func TestParseQuit(t *testing.T) {
	msg, err := Parse("\n")
	if err != nil || msg.Kind != KindQuit {
		t.Fatalf("expected quit, got %+v %v", msg, err)
	}
	msg, err = Parse("   \n")
	if err != nil || msg.Kind != KindQuit {
		t.Fatalf("expected quit for blank line, got %+v %v", msg, err)
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse("this is not valid###\n"); err == nil {
		t.Fatalf("expected malformed error")
	}
}

func TestRoundTripServerEmittedMessages(t *testing.T) {
	cases := []Message{
		{Kind: KindTell, Key: "x", Value: "1"},
		{Kind: KindTellTS, Key: "y", Value: "42", Time: 1700000000, TTL: 60},
		{Kind: KindTellTS, Key: "y", Value: "42", Time: 1700000000, TTL: 0},
		{Kind: KindTellOld, Key: "x", Value: ""},
		{Kind: KindTellOldTS, Key: "x", Value: "", Time: 0, TTL: 0},
		{Kind: KindLockRes, Key: "k", Client: ""},
		{Kind: KindLockRes, Key: "k", Client: "c1"},
	}
	for _, c := range cases {
		line := c.String()
		got, err := Parse(line)
		if err != nil {
			t.Fatalf("round trip parse of %q failed: %v", line, err)
		}
		if got.Kind != c.Kind || got.Key != c.Key {
			t.Fatalf("round trip mismatch for %q: got %+v want %+v", line, got, c)
		}
	}
}

package token

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := NewIssuer(Config{APIKey: "devkey", APISecret: "secret", URL: "ws://localhost:8080/rtc"})
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	return iss
}

func mustIssue(t *testing.T, iss *Issuer, req Request) Response {
	t.Helper()
	resp, err := iss.Issue(req)
	if err != nil {
		t.Fatalf("Issue(%+v) error = %v", req, err)
	}
	return resp
}

func mustDecode(t *testing.T, iss *Issuer, raw string) AccessGrant {
	t.Helper()
	g, err := iss.Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return g
}

func TestIssueDecodeRoundTrip(t *testing.T) {
	iss := newTestIssuer(t)

	resp := mustIssue(t, iss, Request{Room: "kitchen", Identity: "alice"})
	if resp.Room != "kitchen" || resp.Identity != "alice" {
		t.Fatalf("response names = %q/%q, want kitchen/alice", resp.Room, resp.Identity)
	}
	if resp.URL != "ws://localhost:8080/rtc" {
		t.Fatalf("URL = %q", resp.URL)
	}

	g := mustDecode(t, iss, resp.Token)
	if g.Identity != "alice" || g.Name != "alice" || g.Room != "kitchen" {
		t.Fatalf("grant = %+v", g)
	}
	if !g.RoomJoin || !g.CanPublish || !g.CanSubscribe {
		t.Fatalf("grant permissions = %+v, want join/publish/subscribe", g)
	}
	if g.ID == "" {
		t.Fatalf("grant ID is empty")
	}
	if !g.ExpiresAt.After(g.IssuedAt) {
		t.Fatalf("ExpiresAt = %v, want after IssuedAt %v", g.ExpiresAt, g.IssuedAt)
	}
	if d := g.ExpiresAt.Sub(g.IssuedAt.Add(DefaultTTL)); d < -time.Second || d > time.Second {
		t.Fatalf("expiry = %v after issue, want %v", g.ExpiresAt.Sub(g.IssuedAt), DefaultTTL)
	}
}

func TestIssueIsNotDeterministic(t *testing.T) {
	iss := newTestIssuer(t)
	req := Request{Room: "kitchen", Identity: "alice"}

	a := mustIssue(t, iss, req)
	b := mustIssue(t, iss, req)
	if a.Token == b.Token {
		t.Fatalf("two issues returned the same token")
	}

	ga := mustDecode(t, iss, a.Token)
	gb := mustDecode(t, iss, b.Token)
	if ga.ID == gb.ID {
		t.Fatalf("token ids collide: %q", ga.ID)
	}
	if ga.Room != gb.Room || ga.Identity != gb.Identity || ga.RoomJoin != gb.RoomJoin {
		t.Fatalf("grants differ: %+v vs %+v", ga, gb)
	}
}

func TestIssueDefaults(t *testing.T) {
	iss := newTestIssuer(t)
	roomRe := regexp.MustCompile(`^test-room-[0-9a-f]{8}$`)
	userRe := regexp.MustCompile(`^user-[0-9a-f]{6}$`)

	for i := 0; i < 20; i++ {
		resp := mustIssue(t, iss, Request{})
		if !roomRe.MatchString(resp.Room) {
			t.Fatalf("room = %q, want match %s", resp.Room, roomRe)
		}
		if !userRe.MatchString(resp.Identity) {
			t.Fatalf("identity = %q, want match %s", resp.Identity, userRe)
		}

		g := mustDecode(t, iss, resp.Token)
		if g.Room != resp.Room || g.Identity != resp.Identity {
			t.Fatalf("grant = %+v, want room %q identity %q", g, resp.Room, resp.Identity)
		}
	}
}

func TestIssueRejectsMalformedNames(t *testing.T) {
	iss := newTestIssuer(t)
	cases := []Request{
		{Room: "has space"},
		{Identity: "tab\there"},
		{Room: "a/b"},
		{Identity: strings.Repeat("x", maxNameLength+1)},
	}
	for _, req := range cases {
		_, err := iss.Issue(req)
		if !errors.Is(err, ErrTokenRequestMalformed) {
			t.Fatalf("Issue(%+v) error = %v, want ErrTokenRequestMalformed", req, err)
		}
	}
}

func TestDecodeRejectsTampering(t *testing.T) {
	iss := newTestIssuer(t)
	resp := mustIssue(t, iss, Request{Room: "kitchen", Identity: "alice"})

	other, err := NewIssuer(Config{APIKey: "devkey", APISecret: "other-secret"})
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	wrongKey, err := NewIssuer(Config{APIKey: "prodkey", APISecret: "secret"})
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	cases := []struct {
		name string
		iss  *Issuer
		raw  string
	}{
		{"other secret", other, resp.Token},
		{"other api key", wrongKey, resp.Token},
		{"bad signature", iss, resp.Token + "x"},
	}
	for _, tc := range cases {
		if _, err := tc.iss.Decode(tc.raw); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: Decode() error = %v, want ErrInvalidToken", tc.name, err)
		}
	}
}

func TestDecodeRejectsExpired(t *testing.T) {
	iss := newTestIssuer(t)
	issuedAt := time.Now().Add(-time.Hour)
	iss.now = func() time.Time { return issuedAt }
	resp := mustIssue(t, iss, Request{Room: "kitchen", Identity: "alice"})

	iss.now = time.Now
	if _, err := iss.Decode(resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Decode(expired) error = %v, want ErrInvalidToken", err)
	}
}

func TestDecodeRequiresRoomGrant(t *testing.T) {
	iss := newTestIssuer(t)
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "devkey",
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	if _, err := iss.Decode(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Decode(no room grant) error = %v, want ErrInvalidToken", err)
	}
}

func TestNewIssuerRequiresKeys(t *testing.T) {
	if _, err := NewIssuer(Config{APISecret: "secret"}); err == nil {
		t.Fatalf("NewIssuer(no key) error = nil, want error")
	}
	if _, err := NewIssuer(Config{APIKey: "devkey"}); err == nil {
		t.Fatalf("NewIssuer(no secret) error = nil, want error")
	}
}

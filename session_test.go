package main

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cchopin/murmur/registry"

	"golang.org/x/crypto/blake2b"
)

// fakeConn is a net.Conn backed by an unbounded in-memory buffer: Write
// never blocks, so a test can dispatch a command and read its response
// afterward in the same goroutine, unlike net.Pipe which requires a
// concurrent reader.
type fakeConn struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (f *fakeConn) Read(p []byte) (int, error) {
	for {
		f.mu.Lock()
		if f.buf.Len() > 0 {
			n, err := f.buf.Read(p)
			f.mu.Unlock()
			return n, err
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}
func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(p)
}
func (f *fakeConn) Close() error                       { return nil }
func (f *fakeConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (f *fakeConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (f *fakeConn) SetDeadline(time.Time) error         { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error     { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error    { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:0" }

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	dir := t.TempDir()
	users, err := registry.LoadUsers(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatalf("LoadUsers: %v", err)
	}
	tokens, err := registry.LoadTokens(filepath.Join(dir, "tokens.json"))
	if err != nil {
		t.Fatalf("LoadTokens: %v", err)
	}
	return &Deps{
		Clients:     NewClientManager(DefaultRateLimit),
		Rooms:       NewRoomManager(),
		Users:       users,
		Tokens:      tokens,
		MsgRouted:   &counter{},
		ParseErrors: &counter{},
	}
}

// sessionHarness wires one fakeConn-backed Client to a Deps and lets a test
// drive dispatch() directly without running the blocking read loop.
type sessionHarness struct {
	deps   *Deps
	client *Client
	conn   *fakeConn
	reader *bufio.Reader
}

func newSessionHarness(t *testing.T, deps *Deps) *sessionHarness {
	t.Helper()
	conn := &fakeConn{}
	c := deps.Clients.Add(conn)
	return &sessionHarness{deps: deps, client: c, conn: conn, reader: bufio.NewReader(conn)}
}

func (h *sessionHarness) readLine(t *testing.T) string {
	t.Helper()
	line, err := h.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("readLine: %v", err)
	}
	return line[:len(line)-2] // strip CRLF
}

// registerAndAuth drives a full REGISTER/HELLO/AUTH round trip for user and
// returns the harness with its client now Authenticated.
func registerAndAuth(t *testing.T, deps *Deps, user string) *sessionHarness {
	t.Helper()
	pubKey := []byte("test-pub-key-" + user)
	pubKeyB64 := base64.StdEncoding.EncodeToString(pubKey)

	tok, err := deps.Tokens.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	h := newSessionHarness(t, deps)
	dispatch(deps, h.client, Command{Kind: CmdRegister, Username: user, PubKey: pubKeyB64, Token: tok})
	if resp := h.readLine(t); resp != "OK REGISTER "+user {
		t.Fatalf("REGISTER response = %q, want OK REGISTER %s", resp, user)
	}

	dispatch(deps, h.client, Command{Kind: CmdHello, Username: user})
	resp := h.readLine(t)
	if resp[:10] != "CHALLENGE " {
		t.Fatalf("HELLO response = %q, want CHALLENGE ...", resp)
	}
	challengeB64 := resp[len("CHALLENGE "):]
	challenge, err := base64.StdEncoding.DecodeString(challengeB64)
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}

	sum := blake2b.Sum256(append(append([]byte{}, challenge...), pubKey...))
	sigB64 := base64.StdEncoding.EncodeToString(sum[:])

	dispatch(deps, h.client, Command{Kind: CmdAuth, Sig: sigB64})
	resp = h.readLine(t)
	if resp != "WELCOME "+user {
		t.Fatalf("AUTH response = %q, want WELCOME %s", resp, user)
	}
	if h.client.State() != StateAuthenticated {
		t.Fatalf("state = %v, want Authenticated", h.client.State())
	}
	return h
}

func TestDispatchRegisterHelloAuthRoundTrip(t *testing.T) {
	deps := newTestDeps(t)
	registerAndAuth(t, deps, "alice")
}

func TestDispatchHelloUnknownUser(t *testing.T) {
	deps := newTestDeps(t)
	h := newSessionHarness(t, deps)

	dispatch(deps, h.client, Command{Kind: CmdHello, Username: "ghost"})
	if got := h.readLine(t); got != "ERROR USER_NOT_FOUND ghost" {
		t.Errorf("got %q", got)
	}
}

func TestDispatchAuthBadSignatureFails(t *testing.T) {
	deps := newTestDeps(t)
	pubKeyB64 := base64.StdEncoding.EncodeToString([]byte("key"))
	deps.Users.Register("alice", pubKeyB64)

	h := newSessionHarness(t, deps)
	dispatch(deps, h.client, Command{Kind: CmdHello, Username: "alice"})
	h.readLine(t) // CHALLENGE ...

	dispatch(deps, h.client, Command{Kind: CmdAuth, Sig: base64.StdEncoding.EncodeToString([]byte("garbage"))})
	if got := h.readLine(t); got != "ERROR AUTH_FAILED" {
		t.Errorf("got %q", got)
	}
	if h.client.State() != StateConnected {
		t.Errorf("state = %v, want Connected after failed auth", h.client.State())
	}
}

func TestDispatchAuthLockoutReturnsRateLimited(t *testing.T) {
	deps := newTestDeps(t)
	pubKeyB64 := base64.StdEncoding.EncodeToString([]byte("key"))
	deps.Users.Register("alice", pubKeyB64)

	h := newSessionHarness(t, deps)
	for i := 0; i < MaxAuthFailures; i++ {
		dispatch(deps, h.client, Command{Kind: CmdHello, Username: "alice"})
		h.readLine(t) // CHALLENGE
		dispatch(deps, h.client, Command{Kind: CmdAuth, Sig: "Z2FyYmFnZQ=="})
		if got := h.readLine(t); got != "ERROR AUTH_FAILED" {
			t.Fatalf("attempt %d: got %q", i+1, got)
		}
	}

	dispatch(deps, h.client, Command{Kind: CmdHello, Username: "alice"})
	h.readLine(t) // CHALLENGE
	dispatch(deps, h.client, Command{Kind: CmdAuth, Sig: "Z2FyYmFnZQ=="})
	if got := h.readLine(t); got != "ERROR RATE_LIMITED" {
		t.Errorf("6th attempt: got %q, want ERROR RATE_LIMITED", got)
	}
}

func TestDispatchHelloWhileAuthPendingIsInvalidFormat(t *testing.T) {
	deps := newTestDeps(t)
	deps.Users.Register("alice", base64.StdEncoding.EncodeToString([]byte("key")))

	h := newSessionHarness(t, deps)
	dispatch(deps, h.client, Command{Kind: CmdHello, Username: "alice"})
	h.readLine(t) // CHALLENGE

	dispatch(deps, h.client, Command{Kind: CmdHello, Username: "alice"})
	if got := h.readLine(t); got != "ERROR INVALID_FORMAT already in auth process" {
		t.Errorf("got %q", got)
	}
}

func TestDispatchUnauthenticatedCommandRejected(t *testing.T) {
	deps := newTestDeps(t)
	h := newSessionHarness(t, deps)

	dispatch(deps, h.client, Command{Kind: CmdJoin, Room: "#lobby"})
	if got := h.readLine(t); got != "ERROR NOT_AUTHENTICATED" {
		t.Errorf("got %q", got)
	}
}

func TestDispatchJoinLeaveAndRoomFanout(t *testing.T) {
	deps := newTestDeps(t)
	alice := registerAndAuth(t, deps, "alice")
	bob := registerAndAuth(t, deps, "bob")
	alice.readLine(t) // ONLINE bob, observed by alice when bob authenticated

	dispatch(deps, alice.client, Command{Kind: CmdJoin, Room: "#lobby"})
	if got := alice.readLine(t); got != "OK JOIN #lobby" {
		t.Fatalf("alice join = %q", got)
	}

	dispatch(deps, bob.client, Command{Kind: CmdJoin, Room: "#lobby"})
	if got := bob.readLine(t); got != "OK JOIN #lobby" {
		t.Fatalf("bob join = %q", got)
	}
	if got := alice.readLine(t); got != "JOINED #lobby bob" {
		t.Fatalf("alice notified = %q", got)
	}

	dispatch(deps, alice.client, Command{Kind: CmdMsg, Room: "#lobby", Body: "hello world"})
	if got := bob.readLine(t); got != "ROOM #lobby alice hello world" {
		t.Fatalf("bob received = %q", got)
	}
	if got := alice.readLine(t); got != "OK MSG" {
		t.Fatalf("alice ack = %q", got)
	}
}

func TestDispatchPrivmsgUnknownUser(t *testing.T) {
	deps := newTestDeps(t)
	alice := registerAndAuth(t, deps, "alice")

	dispatch(deps, alice.client, Command{Kind: CmdPrivmsg, To: "ghost", Body: "hi"})
	if got := alice.readLine(t); got != "ERROR USER_NOT_FOUND ghost" {
		t.Errorf("got %q", got)
	}
}

func TestDispatchTopic(t *testing.T) {
	cases := []struct {
		name string
		run  func(t *testing.T, deps *Deps, alice, bob *sessionHarness)
	}{
		{
			name: "query on unknown room",
			run: func(t *testing.T, deps *Deps, alice, bob *sessionHarness) {
				dispatch(deps, alice.client, Command{Kind: CmdTopic, Room: "#ghost"})
				if got := alice.readLine(t); got != "ERROR ROOM_NOT_FOUND #ghost" {
					t.Errorf("got %q", got)
				}
			},
		},
		{
			name: "query by non-member rejected",
			run: func(t *testing.T, deps *Deps, alice, bob *sessionHarness) {
				dispatch(deps, alice.client, Command{Kind: CmdJoin, Room: "#lobby"})
				alice.readLine(t) // OK JOIN

				dispatch(deps, bob.client, Command{Kind: CmdTopic, Room: "#lobby"})
				if got := bob.readLine(t); got != "ERROR NOT_IN_ROOM #lobby" {
					t.Errorf("got %q", got)
				}
			},
		},
		{
			name: "query by member returns empty topic",
			run: func(t *testing.T, deps *Deps, alice, bob *sessionHarness) {
				dispatch(deps, alice.client, Command{Kind: CmdJoin, Room: "#lobby"})
				alice.readLine(t) // OK JOIN

				dispatch(deps, alice.client, Command{Kind: CmdTopic, Room: "#lobby"})
				if got := alice.readLine(t); got != "OK TOPIC #lobby " {
					t.Errorf("got %q", got)
				}
			},
		},
		{
			name: "set broadcasts then acks the setter",
			run: func(t *testing.T, deps *Deps, alice, bob *sessionHarness) {
				dispatch(deps, alice.client, Command{Kind: CmdJoin, Room: "#lobby"})
				alice.readLine(t) // OK JOIN
				dispatch(deps, bob.client, Command{Kind: CmdJoin, Room: "#lobby"})
				bob.readLine(t)   // OK JOIN
				alice.readLine(t) // JOINED #lobby bob

				dispatch(deps, alice.client, Command{Kind: CmdTopic, Room: "#lobby", Body: "party time"})
				if got := bob.readLine(t); got != "TOPIC #lobby alice party time" {
					t.Fatalf("bob got %q", got)
				}
				if got := alice.readLine(t); got != "TOPIC #lobby alice party time" {
					t.Fatalf("alice broadcast got %q", got)
				}
				if got := alice.readLine(t); got != "OK TOPIC #lobby" {
					t.Fatalf("alice ack got %q", got)
				}

				dispatch(deps, alice.client, Command{Kind: CmdTopic, Room: "#lobby"})
				if got := alice.readLine(t); got != "OK TOPIC #lobby party time" {
					t.Errorf("query after set got %q", got)
				}
			},
		},
		{
			name: "oversize topic rejected",
			run: func(t *testing.T, deps *Deps, alice, bob *sessionHarness) {
				dispatch(deps, alice.client, Command{Kind: CmdJoin, Room: "#lobby"})
				alice.readLine(t) // OK JOIN

				dispatch(deps, alice.client, Command{Kind: CmdTopic, Room: "#lobby", Body: strings.Repeat("x", MaxTopicLength+1)})
				if got := alice.readLine(t); got != "ERROR INVALID_FORMAT topic too long" {
					t.Errorf("got %q", got)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deps := newTestDeps(t)
			alice := registerAndAuth(t, deps, "alice")
			bob := registerAndAuth(t, deps, "bob")
			alice.readLine(t) // ONLINE bob

			tc.run(t, deps, alice, bob)
		})
	}
}

func TestDisconnectSweepsRoomsAndAnnouncesQuit(t *testing.T) {
	deps := newTestDeps(t)
	alice := registerAndAuth(t, deps, "alice")
	bob := registerAndAuth(t, deps, "bob")
	alice.readLine(t) // ONLINE bob

	dispatch(deps, alice.client, Command{Kind: CmdJoin, Room: "#lobby"})
	alice.readLine(t)
	dispatch(deps, bob.client, Command{Kind: CmdJoin, Room: "#lobby"})
	bob.readLine(t)   // OK JOIN
	alice.readLine(t) // JOINED #lobby bob

	disconnect(deps, alice.client)
	if got := bob.readLine(t); got != "LEFT #lobby alice" {
		t.Fatalf("bob got %q, want LEFT #lobby alice", got)
	}
	if got := bob.readLine(t); got != "QUIT alice" {
		t.Fatalf("bob got %q, want QUIT alice", got)
	}
	if deps.Clients.IsOnline("alice") {
		t.Error("alice should no longer be online after disconnect")
	}
}

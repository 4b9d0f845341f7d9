package main

import (
	"log"
	"net"
	"sync"
	"time"
)

// ClientState is where a connection sits in the session state machine.
type ClientState int

const (
	StateConnected ClientState = iota
	StateAuthPending
	StateAuthenticated
	StateClosed
)

// DefaultRateLimit is the default number of inbound lines a connection may
// send per second before RATE_LIMITED kicks in.
const DefaultRateLimit = 10

// MaxAuthFailures is the number of consecutive AUTH failures on one
// connection before it is locked out.
const MaxAuthFailures = 5

// AuthLockoutWindow is how long a locked-out connection must wait since its
// last failure before the failure counter resets.
const AuthLockoutWindow = 5 * time.Minute

// Client holds all per-connection state: identity, transport, rate
// limiting, and auth bookkeeping. ID, Conn and RemoteAddr are set once at
// construction; every field from mu down is private and reached through the
// methods below, which take the client's own mutex, so a Client is safe to
// touch from both its owning session goroutine and fan-out callers.
type Client struct {
	ID         int
	Conn       net.Conn
	RemoteAddr string

	mu           sync.Mutex
	state        ClientState
	username     string
	connectedAt  time.Time
	lastActivity time.Time
	msgCount     int
	windowStart  time.Time
	authFailures int
	lastFailure  time.Time
	authSession  *AuthSession
	rateLimit    int

	writeMu sync.Mutex // serializes writes from the session loop and fan-out
}

// NewClient constructs a fresh Connected-state client wrapping conn.
func NewClient(id int, conn net.Conn, rateLimit int) *Client {
	now := time.Now()
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimit
	}
	return &Client{
		ID:           id,
		Conn:         conn,
		RemoteAddr:   conn.RemoteAddr().String(),
		state:        StateConnected,
		connectedAt:  now,
		lastActivity: now,
		windowStart:  now,
		rateLimit:    rateLimit,
	}
}

// State returns the client's current state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState transitions the client to state.
func (c *Client) SetState(state ClientState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Username returns the client's claimed/authenticated username. Empty until
// HELLO moves the client out of Connected.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// SetUsername records the username the client is authenticating as.
func (c *Client) SetUsername(name string) {
	c.mu.Lock()
	c.username = name
	c.mu.Unlock()
}

// Touch updates the last-activity timestamp to now.
func (c *Client) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// AuthSession returns the client's in-progress auth session, or nil.
func (c *Client) AuthSession() *AuthSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authSession
}

// SetAuthSession installs a fresh auth session (called by HELLO).
func (c *Client) SetAuthSession(s *AuthSession) {
	c.mu.Lock()
	c.authSession = s
	c.mu.Unlock()
}

// ClearAuthSession discards any in-progress auth session.
func (c *Client) ClearAuthSession() {
	c.mu.Lock()
	c.authSession = nil
	c.mu.Unlock()
}

// CheckRateLimit implements the sliding 1-second window from spec §4.6: if
// more than a second has elapsed since the window started, the window
// resets and this call always succeeds; otherwise the running count is
// incremented and the call succeeds iff it is still within rateLimit.
func (c *Client) CheckRateLimit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.windowStart) > time.Second {
		c.windowStart = now
		c.msgCount = 1
		return true
	}
	c.msgCount++
	return c.msgCount <= c.rateLimit
}

// LockedOut reports whether this connection is currently in AUTH lockout:
// MaxAuthFailures consecutive failures without an intervening success, and
// less than AuthLockoutWindow elapsed since the last one.
func (c *Client) LockedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockedOutLocked(time.Now())
}

func (c *Client) lockedOutLocked(now time.Time) bool {
	if c.authFailures < MaxAuthFailures {
		return false
	}
	if now.Sub(c.lastFailure) > AuthLockoutWindow {
		return false
	}
	return true
}

// RecordAuthFailure increments the consecutive-failure counter. If the
// connection had reached MaxAuthFailures and the lockout window has since
// elapsed, the counter is reset first, so a served lockout does not carry
// over. Below MaxAuthFailures, failures keep accumulating however far apart
// they are.
func (c *Client) RecordAuthFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if c.authFailures >= MaxAuthFailures && now.Sub(c.lastFailure) > AuthLockoutWindow {
		c.authFailures = 0
	}
	c.authFailures++
	c.lastFailure = now
}

// ResetAuthFailures clears the failure counter after a successful AUTH.
func (c *Client) ResetAuthFailures() {
	c.mu.Lock()
	c.authFailures = 0
	c.mu.Unlock()
}

// Send writes one line plus a CRLF terminator to the client's connection.
// Safe to call concurrently from the owning session loop and from fan-out;
// a write error is logged and swallowed, so a dead peer never fails the
// caller. The write is synchronous: a peer that stops reading blocks the
// caller until its connection accepts the bytes or returns an error.
func (c *Client) Send(line string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.Conn.Write([]byte(line + "\r\n")); err != nil {
		log.Printf("[client %d] write error: %v", c.ID, err)
	}
}

// ClientManager owns every connection's Client record and the global
// socket/username indexes spec §3 requires stay consistent with it.
type ClientManager struct {
	mu        sync.RWMutex
	byID      map[int]*Client
	byUser    map[string]*Client // only Authenticated clients are indexed here
	nextID    int
	rateLimit int
}

// NewClientManager returns an empty manager using rateLimit messages/sec as
// the default for every client it creates (0 means DefaultRateLimit).
func NewClientManager(rateLimit int) *ClientManager {
	return &ClientManager{
		byID:      make(map[int]*Client),
		byUser:    make(map[string]*Client),
		rateLimit: rateLimit,
	}
}

// Add registers a new connection and returns its Client record.
func (m *ClientManager) Add(conn net.Conn) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c := NewClient(m.nextID, conn, m.rateLimit)
	m.byID[c.ID] = c
	return c
}

// Remove drops c from every index. Safe to call more than once.
func (m *ClientManager) Remove(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, c.ID)
	if u := c.Username(); u != "" {
		if cur, ok := m.byUser[u]; ok && cur == c {
			delete(m.byUser, u)
		}
	}
}

// Count returns the number of currently-tracked connections (any state).
func (m *ClientManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// AuthenticatedCount returns the number of connections currently indexed by
// username (i.e. Authenticated).
func (m *ClientManager) AuthenticatedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser)
}

// IsOnline reports whether an Authenticated client currently owns username.
func (m *ClientManager) IsOnline(username string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byUser[username]
	return ok
}

// ByUsername returns the Authenticated client owning username, if any.
func (m *ClientManager) ByUsername(username string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byUser[username]
	return c, ok
}

// CompleteAuth publishes c under username in the username index, completing
// the Connected/AuthPending -> Authenticated transition's visible effect on
// the global indexes. Returns false without modifying anything if another
// client is already Authenticated as that username (enforcing the "at most
// one Authenticated client per username" invariant at the point of
// publication, which is the hard guarantee; HELLO's online check is only a
// cheap early rejection).
func (m *ClientManager) CompleteAuth(c *Client, username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.byUser[username]; taken {
		return false
	}
	m.byUser[username] = c
	return true
}

// Snapshot returns every currently-Authenticated client, for broadcast
// iteration. The returned slice is a point-in-time copy safe to range over
// without holding the manager's lock.
func (m *ClientManager) Snapshot() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Client, 0, len(m.byUser))
	for _, c := range m.byUser {
		out = append(out, c)
	}
	return out
}

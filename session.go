package main

import (
	"bufio"
	"encoding/base64"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/cchopin/murmur/registry"
)

// Deps bundles every shared subsystem a session needs to dispatch commands.
// One Deps is built once at startup and handed to every connection.
type Deps struct {
	Clients *ClientManager
	Rooms   *RoomManager
	Users   *registry.Users
	Tokens  *registry.Tokens

	MsgRouted   *counter
	ParseErrors *counter
}

// handleConnection owns one already-registered connection (Server.Run adds
// it to the client manager): it runs the read-dispatch-write loop until
// QUIT/EOF/error, then tears it down. Grounded
// on the teacher's per-connection goroutine shape, replacing the WebSocket
// frame loop with a CRLF line loop.
func handleConnection(deps *Deps, c *Client) {
	defer disconnect(deps, c)

	reader := bufio.NewReaderSize(c.Conn, MaxLineLength+2)
	for {
		line, err := readLine(reader)
		if err != nil {
			return
		}
		if len(line) > MaxLineLength {
			c.Send(FormatError(ErrInvalidFormat, "line too long"))
			continue
		}

		if !c.CheckRateLimit() {
			c.Send(FormatError(ErrRateLimited, ""))
			continue
		}
		c.Touch()

		cmd := Parse(line)
		if cmd.Kind == CmdQuit {
			c.Send(FormatOK("bye"))
			return
		}
		dispatch(deps, c, cmd)
	}
}

// readLine reads up to and including one CRLF- or LF-terminated line and
// returns it with the terminator stripped. A line exceeding MaxLineLength is
// still fully drained from the stream (so the connection isn't left
// mid-line) but reported as oversized via the returned string's length.
func readLine(r *bufio.Reader) (string, error) {
	raw, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(raw, "\r\n"), nil
}

// dispatch routes one parsed command to its handler, enforcing the
// connection-state gate from spec §4.7: HELLO/AUTH/REGISTER/PING/QUIT are
// always reachable; everything else requires StateAuthenticated.
func dispatch(deps *Deps, c *Client, cmd Command) {
	switch cmd.Kind {
	case CmdHello:
		handleHello(deps, c, cmd)
	case CmdAuth:
		handleAuth(deps, c, cmd)
	case CmdRegister:
		handleRegister(deps, c, cmd)
	case CmdPing:
		c.Send(FormatPong())
	case CmdUnknown:
		deps.ParseErrors.add(1)
		c.Send(FormatError(ErrUnknownCommand, ""))
	default:
		if c.State() != StateAuthenticated {
			c.Send(FormatError(ErrNotAuthed, ""))
			return
		}
		dispatchAuthenticated(deps, c, cmd)
	}
}

func dispatchAuthenticated(deps *Deps, c *Client, cmd Command) {
	switch cmd.Kind {
	case CmdJoin:
		handleJoin(deps, c, cmd)
	case CmdLeave:
		handleLeave(deps, c, cmd)
	case CmdMsg:
		handleMsg(deps, c, cmd)
	case CmdPrivmsg:
		handlePrivmsg(deps, c, cmd)
	case CmdTopic:
		handleTopic(deps, c, cmd)
	case CmdList:
		c.Send(FormatList(deps.Rooms.List()))
	case CmdUsers:
		c.Send(FormatUserList(onlineUsernames(deps)))
	case CmdWho:
		handleWho(deps, c, cmd)
	default:
		c.Send(FormatError(ErrUnknownCommand, ""))
	}
}

// handleHello starts an auth attempt. Per the dispatch matrix (spec §4.7),
// HELLO is only valid from Connected; a connection already mid-auth or
// already authenticated gets INVALID_FORMAT rather than being allowed to
// restart. Lockout is not checked here — it only gates AUTH — so a locked
// connection can still request a fresh challenge while it waits out the
// cooldown.
func handleHello(deps *Deps, c *Client, cmd Command) {
	if c.State() != StateConnected {
		c.Send(FormatError(ErrInvalidFormat, "already in auth process"))
		return
	}
	if !deps.Users.Exists(cmd.Username) {
		c.Send(FormatError(ErrUserNotFound, cmd.Username))
		return
	}
	if deps.Clients.IsOnline(cmd.Username) {
		c.Send(FormatError(ErrInvalidFormat, "already online"))
		return
	}

	challenge, err := NewChallenge()
	if err != nil {
		log.Printf("[client %d] %v", c.ID, err)
		c.Send(FormatError(ErrAuthFailed, ""))
		return
	}

	c.SetUsername(cmd.Username)
	c.SetState(StateAuthPending)
	c.SetAuthSession(&AuthSession{
		Username:  cmd.Username,
		Challenge: challenge,
		IssuedAt:  time.Now(),
	})
	c.Send(FormatChallenge(base64.StdEncoding.EncodeToString(challenge)))
}

// handleAuth completes (or fails) the AUTH challenge/response started by
// HELLO. Order of checks follows spec §4.7 exactly: state, then lockout
// (which makes no state change — a locked-out connection stays AuthPending
// so it can retry once the cooldown lapses), then challenge expiry, then
// the signature itself.
func handleAuth(deps *Deps, c *Client, cmd Command) {
	if c.State() != StateAuthPending {
		c.Send(FormatError(ErrInvalidFormat, "no auth in progress"))
		return
	}
	if c.LockedOut() {
		c.Send(FormatError(ErrRateLimited, ""))
		return
	}
	session := c.AuthSession()
	if session == nil {
		c.Send(FormatError(ErrAuthFailed, ""))
		return
	}
	if session.Expired(time.Now()) {
		c.RecordAuthFailure()
		c.ClearAuthSession()
		c.SetState(StateConnected)
		c.Send(FormatError(ErrAuthFailed, "challenge expired"))
		return
	}

	pubKey := deps.Users.PubKey(session.Username)
	challengeB64 := base64.StdEncoding.EncodeToString(session.Challenge)
	ok := pubKey != "" && VerifySignature(pubKey, challengeB64, cmd.Sig)
	if !ok {
		c.RecordAuthFailure()
		c.ClearAuthSession()
		c.SetState(StateConnected)
		c.Send(FormatError(ErrAuthFailed, ""))
		return
	}

	if !deps.Clients.CompleteAuth(c, session.Username) {
		c.ClearAuthSession()
		c.SetState(StateConnected)
		c.Send(FormatError(ErrUserExists, "already online"))
		return
	}

	c.ResetAuthFailures()
	c.ClearAuthSession()
	c.SetState(StateAuthenticated)
	c.Send(FormatWelcome(session.Username))
	broadcastAll(deps.Clients, c, FormatOnline(session.Username))
}

// handleRegister creates a new account from a one-time invite token. Spec
// §4.3: REGISTER is reachable regardless of connection state, but does not
// itself authenticate the connection — the client still has to HELLO/AUTH
// afterward.
func handleRegister(deps *Deps, c *Client, cmd Command) {
	if deps.Users.Exists(cmd.Username) {
		c.Send(FormatError(ErrUserExists, cmd.Username))
		return
	}
	if !deps.Tokens.Validate(cmd.Token) {
		c.Send(FormatError(ErrInvalidToken, ""))
		return
	}
	created, err := deps.Users.Register(cmd.Username, cmd.PubKey)
	if err != nil {
		log.Printf("[client %d] register %s: %v", c.ID, cmd.Username, err)
		c.Send(FormatError(ErrAuthFailed, ""))
		return
	}
	if !created {
		c.Send(FormatError(ErrUserExists, cmd.Username))
		return
	}
	c.Send(FormatOK("REGISTER " + cmd.Username))
}

func handleJoin(deps *Deps, c *Client, cmd Command) {
	user := c.Username()
	if !deps.Rooms.Join(cmd.Room, user) {
		c.Send(FormatError(ErrAlreadyInRoom, cmd.Room))
		return
	}
	c.Send(FormatOK("JOIN " + cmd.Room))
	broadcastRoom(deps.Clients, deps.Rooms, cmd.Room, user, FormatJoined(cmd.Room, user))
}

func handleLeave(deps *Deps, c *Client, cmd Command) {
	user := c.Username()
	if !deps.Rooms.Leave(cmd.Room, user) {
		c.Send(FormatError(ErrNotInRoom, cmd.Room))
		return
	}
	c.Send(FormatOK("LEAVE " + cmd.Room))
	broadcastRoom(deps.Clients, deps.Rooms, cmd.Room, user, FormatLeft(cmd.Room, user))
}

func handleMsg(deps *Deps, c *Client, cmd Command) {
	user := c.Username()
	if !deps.Rooms.IsIn(cmd.Room, user) {
		c.Send(FormatError(ErrNotInRoom, cmd.Room))
		return
	}
	broadcastRoom(deps.Clients, deps.Rooms, cmd.Room, user, FormatRoomMsg(cmd.Room, user, cmd.Body))
	deps.MsgRouted.add(1)
	c.Send(FormatOK("MSG"))
}

func handlePrivmsg(deps *Deps, c *Client, cmd Command) {
	target, ok := deps.Clients.ByUsername(cmd.To)
	if !ok {
		c.Send(FormatError(ErrUserNotFound, cmd.To))
		return
	}
	target.Send(FormatPriv(c.Username(), cmd.Body))
	deps.MsgRouted.add(1)
	c.Send(FormatOK("PRIVMSG"))
}

func handleTopic(deps *Deps, c *Client, cmd Command) {
	if !deps.Rooms.Exists(cmd.Room) {
		c.Send(FormatError(ErrRoomNotFound, cmd.Room))
		return
	}
	if !deps.Rooms.IsIn(cmd.Room, c.Username()) {
		c.Send(FormatError(ErrNotInRoom, cmd.Room))
		return
	}
	if cmd.Body == "" {
		topic, _ := deps.Rooms.Topic(cmd.Room)
		c.Send(FormatOK("TOPIC " + cmd.Room + " " + topic))
		return
	}
	if len(cmd.Body) > MaxTopicLength {
		c.Send(FormatError(ErrInvalidFormat, "topic too long"))
		return
	}
	deps.Rooms.SetTopic(cmd.Room, cmd.Body)
	broadcastRoom(deps.Clients, deps.Rooms, cmd.Room, "", FormatTopic(cmd.Room, c.Username(), cmd.Body))
	c.Send(FormatOK("TOPIC " + cmd.Room))
}

func handleWho(deps *Deps, c *Client, cmd Command) {
	if !deps.Rooms.Exists(cmd.Room) {
		c.Send(FormatError(ErrRoomNotFound, cmd.Room))
		return
	}
	c.Send(FormatWhoList(cmd.Room, deps.Rooms.Members(cmd.Room)))
}

func onlineUsernames(deps *Deps) []string {
	snap := deps.Clients.Snapshot()
	names := make([]string, 0, len(snap))
	for _, c := range snap {
		names = append(names, c.Username())
	}
	sort.Strings(names)
	return names
}

// disconnect runs once per connection, regardless of how the session loop
// exited: it sweeps room membership (announcing LEFT to each room still
// held), announces QUIT to everyone else if the client had authenticated,
// drops every index entry, and closes the socket.
func disconnect(deps *Deps, c *Client) {
	user := c.Username()
	wasAuthed := c.State() == StateAuthenticated

	if user != "" {
		for _, room := range deps.Rooms.RemoveUserFromAll(user) {
			broadcastRoom(deps.Clients, deps.Rooms, room, user, FormatLeft(room, user))
		}
	}
	if wasAuthed {
		broadcastAll(deps.Clients, c, FormatQuitNotice(user))
	}

	c.SetState(StateClosed)
	deps.Clients.Remove(c)
	if err := c.Conn.Close(); err != nil {
		log.Printf("[client %d] close: %v", c.ID, err)
	}
}

package main

// send writes line to a single client. Thin wrapper kept for symmetry with
// broadcastRoom/broadcastAll so call sites in the session loop read as three
// variations on one idea rather than one special case plus two loops.
func send(c *Client, line string) {
	c.Send(line)
}

// broadcastRoom delivers line to every Authenticated member currently in
// room except the user named exceptUser (pass "" to include everyone). Room
// membership is usernames, not *Client, so each name is resolved through cm
// at send time — a member who has disconnected but not yet been swept from
// the room simply has no online client and is silently skipped.
func broadcastRoom(cm *ClientManager, rm *RoomManager, room, exceptUser, line string) {
	for _, user := range rm.MembersExcept(room, exceptUser) {
		if c, ok := cm.ByUsername(user); ok {
			send(c, line)
		}
	}
}

// broadcastAll delivers line to every Authenticated client except except
// (pass nil to include everyone).
func broadcastAll(cm *ClientManager, except *Client, line string) {
	for _, c := range cm.Snapshot() {
		if c == except {
			continue
		}
		send(c, line)
	}
}

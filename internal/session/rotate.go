package session

// rotate returns items[cursor%len(items)] and the cursor value the next
// call should use, or ok=false if items is empty. Shared by PortalFor's
// conn_idx-0 case and nextService's redirect-target selection: both are
// the same "advance a cursor over a peer-supplied endpoint list" policy
// (§4.6), just over portals vs. redirect services.
func rotate(items []string, cursor int) (item string, nextCursor int, ok bool) {
	if len(items) == 0 {
		return "", cursor, false
	}
	item = items[cursor%len(items)]
	return item, cursor + 1, true
}

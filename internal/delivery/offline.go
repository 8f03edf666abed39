package delivery

import (
	"fmt"
	"unicode/utf8"
)

// offlineEchoLimit caps how much of the user's text the synthesized reply
// echoes back.
const offlineEchoLimit = 48

// offlineReply builds the local answer for a message no endpoint accepted.
// Deterministic: the same input always yields the same reply.
func offlineReply(conversationID, text string) Reply {
	return Reply{
		Text:           offlineText(text),
		ConversationID: conversationID,
		Offline:        true,
	}
}

func offlineText(text string) string {
	return fmt.Sprintf("I'm offline right now, but I saved your message %q and will pass it on once a relay endpoint is reachable again.",
		truncateRunes(text, offlineEchoLimit))
}

// truncateRunes shortens s to at most n runes, marking the cut with an
// ellipsis. Cutting on rune boundaries keeps multi-byte text intact.
func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

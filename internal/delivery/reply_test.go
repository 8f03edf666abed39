package delivery

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestParseReplyFieldPriority(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		text string
	}{
		{name: "response wins", body: `{"response":"a","message":"b","text":"c"}`, text: "a"},
		{name: "message next", body: `{"message":"b","answer":"e"}`, text: "b"},
		{name: "content over answer", body: `{"answer":"e","content":"d"}`, text: "d"},
		{name: "answer last", body: `{"answer":"e"}`, text: "e"},
		{name: "blank skipped", body: `{"response":"   ","message":"b"}`, text: "b"},
		{name: "non-string skipped", body: `{"message":{"nested":true},"text":"c"}`, text: "c"},
		{name: "unknown fields ignored", body: `{"reply":"x","text":"c"}`, text: "c"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rep, err := parseReply([]byte(tt.body))
			if err != nil {
				t.Fatalf("parseReply(%s) error: %v", tt.body, err)
			}
			if rep.Text != tt.text {
				t.Fatalf("Text = %q, want %q", rep.Text, tt.text)
			}
		})
	}
}

func TestParseReplyErrors(t *testing.T) {
	t.Parallel()
	for _, body := range []string{
		`not json`,
		`{}`,
		`{"reply":"unknown name only"}`,
		`{"response":""}`,
		`{"response":42}`,
	} {
		if _, err := parseReply([]byte(body)); err == nil {
			t.Fatalf("parseReply(%s) expected error", body)
		}
	}
}

func TestParseReplyMetadataPassthrough(t *testing.T) {
	t.Parallel()
	body := `{"response":"ok","conversation_id":" conv-7 ","model_info":{"name":"m1"},"models_used":["m1","m2"]}`
	rep, err := parseReply([]byte(body))
	if err != nil {
		t.Fatalf("parseReply error: %v", err)
	}
	if rep.ConversationID != "conv-7" {
		t.Fatalf("ConversationID = %q, want conv-7", rep.ConversationID)
	}
	if string(rep.ModelInfo) != `{"name":"m1"}` {
		t.Fatalf("ModelInfo = %s", rep.ModelInfo)
	}
	if string(rep.ModelsUsed) != `["m1","m2"]` {
		t.Fatalf("ModelsUsed = %s", rep.ModelsUsed)
	}

	rep, err = parseReply([]byte(`{"response":"ok","conversation_id":123}`))
	if err != nil {
		t.Fatalf("parseReply error: %v", err)
	}
	if rep.ConversationID != "" {
		t.Fatalf("non-string conversation id kept: %q", rep.ConversationID)
	}
}

func TestOfflineReplyDeterministic(t *testing.T) {
	t.Parallel()
	a := offlineReply("conv-1", "hello there")
	b := offlineReply("conv-1", "hello there")
	if a.Text != b.Text || a.ConversationID != b.ConversationID {
		t.Fatalf("offline reply not deterministic: %+v vs %+v", a, b)
	}
	if !a.Offline || a.Endpoint != "" {
		t.Fatalf("offline reply shape: %+v", a)
	}
	if !strings.Contains(a.Text, `"hello there"`) {
		t.Fatalf("offline reply does not echo input: %q", a.Text)
	}
}

func TestOfflineReplyTruncatesEcho(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 200)
	text := offlineText(long)
	if strings.Contains(text, long) {
		t.Fatal("long input echoed in full")
	}
	if !strings.Contains(text, strings.Repeat("x", offlineEchoLimit)+"…") {
		t.Fatalf("expected %d-rune echo with ellipsis: %q", offlineEchoLimit, text)
	}

	// Cuts on rune boundaries, not bytes.
	wide := strings.Repeat("ж", 60)
	got := truncateRunes(wide, offlineEchoLimit)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation broke encoding: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != offlineEchoLimit+1 {
		t.Fatalf("rune count = %d, want %d + ellipsis", n, offlineEchoLimit)
	}
	if short := truncateRunes("short", offlineEchoLimit); short != "short" {
		t.Fatalf("short input modified: %q", short)
	}
}

package stream_test

import (
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/agentoven/supportdesk/internal/stream"
)

func TestChunks(t *testing.T) {
	tests := []struct {
		text string
		n    int
		want []string
	}{
		{"", 1, []string{}},
		{"abc", 1, []string{"a", "b", "c"}},
		{"abcde", 2, []string{"ab", "cd", "e"}},
		{"退款成功", 3, []string{"退款成", "功"}},
		{"hi", 0, []string{"h", "i"}},
	}
	for _, tt := range tests {
		if got := stream.Chunks(tt.text, tt.n); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Chunks(%q, %d) = %q, want %q", tt.text, tt.n, got, tt.want)
		}
	}
}

func TestWriter_Frames(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := stream.NewWriter(rec, 2, map[string]string{"X-Conversation-Id": "conv-1", "X-Trace-Id": ""})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	_ = w.ToolData(map[string]string{"type": "order"})
	_ = w.Content("好的!")
	_ = w.Skip(stream.SkipHumanTakeover)
	_ = w.Done()

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("X-Conversation-Id") != "conv-1" {
		t.Errorf("X-Conversation-Id = %q", rec.Header().Get("X-Conversation-Id"))
	}
	if _, ok := rec.Header()["X-Trace-Id"]; ok {
		t.Error("empty header should not be set")
	}

	want := strings.Join([]string{
		`data: {"tool_data":{"type":"order"}}`,
		`data: {"content":"好的"}`,
		`data: {"content":"!"}`,
		`data: {"skip":true,"reason":"human_takeover"}`,
		`data: {"done":true}`,
	}, "\n\n") + "\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body =\n%s\nwant\n%s", got, want)
	}
}

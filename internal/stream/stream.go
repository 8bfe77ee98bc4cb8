// Package stream encodes chat replies as Server-Sent Events.
//
// Every frame is a single "data: {json}\n\n" line. A stream always ends with
// a {"done": true} frame.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// Skip reasons.
const (
	SkipHumanTakeover     = "human_takeover"
	SkipTransferRequested = "transfer_requested"
)

// ErrNotSupported is returned when the ResponseWriter cannot flush.
var ErrNotSupported = errors.New("streaming not supported")

// Frame is one SSE payload. Exactly one field group is set per frame.
type Frame struct {
	Content  string      `json:"content,omitempty"`
	ToolData interface{} `json:"tool_data,omitempty"`
	Transfer bool        `json:"transfer,omitempty"`
	Skip     bool        `json:"skip,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Error    string      `json:"error,omitempty"`
	Done     bool        `json:"done,omitempty"`
}

// Writer writes frames to an HTTP response.
type Writer struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	chunkSize int
}

// NewWriter sets the SSE headers and returns a writer that splits content
// into chunks of chunkSize runes (minimum 1). Extra headers are set before
// the status line is written.
func NewWriter(w http.ResponseWriter, chunkSize int, headers map[string]string) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNotSupported
	}
	if chunkSize < 1 {
		chunkSize = 1
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	for k, v := range headers {
		if v != "" {
			h.Set(k, v)
		}
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher, chunkSize: chunkSize}, nil
}

// Write sends one frame.
func (s *Writer) Write(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Content streams text in rune chunks.
func (s *Writer) Content(text string) error {
	for _, chunk := range Chunks(text, s.chunkSize) {
		if err := s.Write(Frame{Content: chunk}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Writer) ToolData(data interface{}) error { return s.Write(Frame{ToolData: data}) }

func (s *Writer) Transfer(reason string) error {
	return s.Write(Frame{Transfer: true, Reason: reason})
}

func (s *Writer) Skip(reason string) error { return s.Write(Frame{Skip: true, Reason: reason}) }

func (s *Writer) Error(msg string) error { return s.Write(Frame{Error: msg}) }

func (s *Writer) Done() error { return s.Write(Frame{Done: true}) }

// Chunks splits text into pieces of at most n runes without breaking a
// multi-byte character.
func Chunks(text string, n int) []string {
	if n < 1 {
		n = 1
	}
	out := make([]string, 0, utf8.RuneCountInString(text)/n+1)
	start, count := 0, 0
	for i := range text {
		if count == n {
			out = append(out, text[start:i])
			start, count = i, 0
		}
		count++
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

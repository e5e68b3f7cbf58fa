package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"net"
	"strings"
	"testing"
)

func framedPipe(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	ca, cb := NewConn(a), NewConn(b)
	t.Cleanup(func() {
		_ = ca.Close()
		_ = cb.Close()
	})
	return ca, cb
}

func TestFrameRoundtrip(t *testing.T) {
	a, b := framedPipe(t)

	type msg struct {
		ID    string `json:"id"`
		Value int    `json:"value"`
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.WriteJSON(msg{ID: "r1", Value: 42})
	}()

	var got msg
	if err := b.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if got.ID != "r1" || got.Value != 42 {
		t.Fatalf("got %+v", got)
	}
}

func TestFrameSequencePreservesOrder(t *testing.T) {
	a, b := framedPipe(t)

	go func() {
		for _, payload := range []string{`"one"`, `"two"`, `"three"`} {
			if err := a.WriteFrame([]byte(payload)); err != nil {
				return
			}
		}
	}()

	for _, want := range []string{`"one"`, `"two"`, `"three"`} {
		body, err := b.ReadFrame()
		if err != nil {
			t.Fatal(err)
		}
		if string(body) != want {
			t.Fatalf("frame = %s, want %s", body, want)
		}
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameLen+1)
	buf.Write(header[:])

	conn := NewConn(nopCloser{&buf})
	if _, err := conn.ReadFrame(); err == nil || !strings.Contains(err.Error(), "exceeds limit") {
		t.Fatalf("expected length-limit error, got %v", err)
	}
}

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func TestJSONLineRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	type req struct {
		Type string `json:"type"`
	}
	if err := WriteJSONLine(&buf, req{Type: "list_forwards"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Fatal("line must be newline-terminated")
	}
	var got req
	if err := ReadJSONLine(bufio.NewReader(&buf), &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != "list_forwards" {
		t.Fatalf("got %+v", got)
	}
}

package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/carla-mcp/mcp"
)

func TestStdIOReadsUntilEOF(t *testing.T) {
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		``,
		`this is not json`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":"abc","method":"tools/list"}`,
	}, "\n")

	transport := mcp.NewStdIO(strings.NewReader(input), io.Discard)

	var session mcp.Session
	for s := range transport.Sessions() {
		session = s
		break
	}
	defer session.Stop()

	var got []mcp.JSONRPCMessage
	for msg := range session.Messages() {
		got = append(got, msg)
	}

	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if got[0].ID != "1" || got[0].Method != "ping" {
		t.Errorf("first message = %+v", got[0])
	}
	if got[1].ID != "" {
		t.Errorf("notification carries id %q", got[1].ID)
	}
	if got[2].ID != "abc" {
		t.Errorf("last message id = %q, want abc", got[2].ID)
	}
}

func TestStdIOSessionIDIsStable(t *testing.T) {
	transport := mcp.NewStdIO(strings.NewReader(""), io.Discard)

	for s := range transport.Sessions() {
		if s.ID() == "" {
			t.Error("empty session id")
		}
		if s.ID() != s.ID() {
			t.Error("session id changes between calls")
		}
		s.Stop()
		break
	}
}

func TestStdIOSendFramesMessages(t *testing.T) {
	outReader, outWriter := io.Pipe()
	inReader, inWriter := io.Pipe()
	defer inWriter.Close()

	transport := mcp.NewStdIO(inReader, outWriter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessions := make(chan mcp.Session, 1)
	go func() {
		for s := range transport.Sessions() {
			sessions <- s
		}
	}()
	session := <-sessions

	lines := make(chan string, 2)
	go func() {
		reader := bufio.NewReader(outReader)
		for range 2 {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	for _, id := range []mcp.MustString{"1", "req-2"} {
		if err := session.Send(ctx, mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      id,
			Result:  json.RawMessage(`{}`),
		}); err != nil {
			t.Fatalf("failed to send: %v", err)
		}
	}

	want := []string{
		`{"jsonrpc":"2.0","id":1,"result":{}}` + "\n",
		`{"jsonrpc":"2.0","id":"req-2","result":{}}` + "\n",
	}
	for _, w := range want {
		select {
		case got := <-lines:
			if got != w {
				t.Errorf("wrote %q, want %q", got, w)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for output")
		}
	}

	session.Stop()
	if err := transport.Shutdown(ctx); err != nil {
		t.Errorf("failed to shutdown: %v", err)
	}

	// Sending on a stopped session is dropped without error.
	if err := session.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "late"}); err != nil {
		t.Errorf("send after stop = %v, want nil", err)
	}
}

func TestStdIOSendContextCancellation(t *testing.T) {
	// Nobody reads the output pipe, so writes block.
	_, outWriter := io.Pipe()
	inReader, inWriter := io.Pipe()
	defer inWriter.Close()

	transport := mcp.NewStdIO(inReader, outWriter)
	sessions := make(chan mcp.Session, 1)
	go func() {
		for s := range transport.Sessions() {
			sessions <- s
		}
	}()
	session := <-sessions
	defer func() {
		outWriter.Close()
		session.Stop()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := session.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "blocked"})
	if err != context.DeadlineExceeded {
		t.Errorf("Send() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

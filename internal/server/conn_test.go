package server

import (
	"io"
	"net"
	"strings"
	"testing"
)

func TestPeekRequestLineRepresentsBytes(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	request := "GET /pair/local?code=123456 HTTP/1.1\r\nHost: example\r\n\r\n"
	go func() {
		client.Write([]byte(request))
		client.Close()
	}()

	pconn, line, err := peekRequestLine(srv)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if line != "GET /pair/local?code=123456 HTTP/1.1" {
		t.Errorf("unexpected first line %q", line)
	}

	// Everything read during the peek, plus the rest of the stream, must be
	// visible through the wrapped connection.
	all, err := io.ReadAll(pconn)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(all) != request {
		t.Errorf("stream not re-presented intact:\n  want %q\n  got  %q", request, all)
	}
}

func TestPeekRequestLineSmallReads(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	// Dribble the request one byte at a time; the peek must keep reading
	// until it sees the newline.
	request := "GET / HTTP/1.1\r\nUpgrade: websocket\r\n"
	go func() {
		for i := 0; i < len(request); i++ {
			client.Write([]byte{request[i]})
		}
		client.Close()
	}()

	pconn, line, err := peekRequestLine(srv)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if line != "GET / HTTP/1.1" {
		t.Errorf("unexpected first line %q", line)
	}

	all, _ := io.ReadAll(pconn)
	if string(all) != request {
		t.Errorf("stream not re-presented intact, got %q", all)
	}
}

func TestPeekRequestLineNoNewlineWithinWindow(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	junk := strings.Repeat("x", peekSize+100)
	go func() {
		client.Write([]byte(junk))
	}()

	pconn, line, err := peekRequestLine(srv)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if len(line) != peekSize {
		t.Errorf("expected the full window as the line, got %d bytes", len(line))
	}

	buf := make([]byte, peekSize)
	if _, err := io.ReadFull(pconn, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != junk[:peekSize] {
		t.Error("peeked bytes not re-presented")
	}
}

func TestPeekRequestLineEOF(t *testing.T) {
	client, srv := net.Pipe()
	client.Close()

	if _, _, err := peekRequestLine(srv); err == nil {
		t.Fatal("expected error on immediate EOF")
	}
}

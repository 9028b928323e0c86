package stdio

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mcpsentinel/proxy/internal/protocol"
)

func TestWriteReadMessage_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := &protocol.Message{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/list"}
	if err := writeMessage(&buf, msg); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Fatal("expected newline-terminated frame")
	}

	got, err := readMessage(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if got.Method != "tools/list" {
		t.Errorf("Method = %q, want tools/list", got.Method)
	}
}

func TestReadMessage_SkipsBlankLines(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\n\n{\"jsonrpc\":\"2.0\",\"method\":\"ping\"}\n"))
	msg, err := readMessage(r)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if msg.Method != "ping" {
		t.Errorf("Method = %q, want ping", msg.Method)
	}
}

func TestReadMessage_EOFOnEmptyStream(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(""))
	if _, err := readMessage(r); err == nil {
		t.Fatal("expected error on empty stream")
	}
}

func TestDecodeServerVersion(t *testing.T) {
	result := json.RawMessage(`{"serverInfo":{"name":"fs","version":"1.2.3"}}`)
	v, ok := decodeServerVersion(result)
	if !ok || v != "1.2.3" {
		t.Fatalf("decodeServerVersion = (%q, %v), want (1.2.3, true)", v, ok)
	}
}

func TestDecodeServerVersion_MissingField(t *testing.T) {
	if _, ok := decodeServerVersion(json.RawMessage(`{}`)); ok {
		t.Fatal("expected ok=false when serverInfo.version is absent")
	}
}

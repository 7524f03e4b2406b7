package jsonrpc2

import (
	"bytes"
	"testing"
)

func TestDecoderSingleFrame(t *testing.T) {
	var d Decoder
	d.Feed(Encode([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))

	body, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = %q, %v, %v", body, ok, err)
	}
	if string(body) != `{"jsonrpc":"2.0","id":1,"method":"ping"}` {
		t.Fatalf("unexpected body: %s", body)
	}

	if _, ok, _ := d.Next(); ok {
		t.Fatalf("expected no more frames")
	}
}

func TestDecoderSplitAcrossFeeds(t *testing.T) {
	frame := Encode([]byte(`{"id":1}`))
	var d Decoder
	for i := 0; i < len(frame); i++ {
		d.Feed(frame[i : i+1])
		body, ok, err := d.Next()
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		if ok {
			if string(body) != `{"id":1}` {
				t.Fatalf("unexpected body: %s", body)
			}
			if i != len(frame)-1 {
				t.Fatalf("frame completed early at byte %d", i)
			}
		}
	}
}

func TestDecoderDiscardsLeadingGarbage(t *testing.T) {
	var d Decoder
	d.Feed([]byte("a warning printed before any header\n"))
	d.Feed(Encode([]byte(`{"id":2}`)))

	body, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = %q, %v, %v", body, ok, err)
	}
	if string(body) != `{"id":2}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestDecoderResyncsOnLongGarbage(t *testing.T) {
	var d Decoder
	d.Feed(bytes.Repeat([]byte("x"), garbageThreshold+10))
	if _, ok, err := d.Next(); ok || err != nil {
		t.Fatalf("expected no frame while draining garbage, got ok=%v err=%v", ok, err)
	}
	if d.buf.Len() != 0 {
		t.Fatalf("expected garbage buffer to be dropped, len=%d", d.buf.Len())
	}

	d.Feed(Encode([]byte(`{"id":3}`)))
	body, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("Next() after resync = %q, %v, %v", body, ok, err)
	}
	if string(body) != `{"id":3}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestDecoderCaseInsensitiveHeader(t *testing.T) {
	var d Decoder
	body := []byte(`{"id":4}`)
	frame := append([]byte("CONTENT-LENGTH: 8\r\n\r\n"), body...)
	d.Feed(frame)

	got, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = %q, %v, %v", got, ok, err)
	}
	if string(got) != string(body) {
		t.Fatalf("unexpected body: %s", got)
	}
}

func TestPeekBody(t *testing.T) {
	p, ok := PeekBody([]byte(`{"jsonrpc":"2.0","id":"s1:7","method":"textDocument/hover"}`))
	if !ok || !p.IsRequest() {
		t.Fatalf("expected a request, got %+v ok=%v", p, ok)
	}
	if p.IDString() != "s1:7" {
		t.Fatalf("unexpected id: %q", p.IDString())
	}

	p, ok = PeekBody([]byte(`{"jsonrpc":"2.0","method":"textDocument/didOpen"}`))
	if !ok || p.IsRequest() || !p.HasMethod {
		t.Fatalf("expected a notification, got %+v", p)
	}

	p, ok = PeekBody([]byte(`{"jsonrpc":"2.0","id":"s1:7","result":{}}`))
	if !ok || p.IsRequest() || !p.HasID {
		t.Fatalf("expected a bare response, got %+v", p)
	}
}

package uri

import (
	"testing"

	"github.com/tris790/lsp-sidecar/internal/jvalue"
)

func TestIngressRewritesRootRelativeURI(t *testing.T) {
	v, err := jvalue.Decode([]byte(`{"params":{"textDocument":{"uri":"file:///src/a.ts"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	Ingress(v, "/repo")

	got, _ := jvalue.String(mustField(v, "params", "textDocument"), "uri")
	if got != "file:///repo/src/a.ts" {
		t.Fatalf("got %q", got)
	}
}

func TestEgressRewritesAbsoluteURI(t *testing.T) {
	v, err := jvalue.Decode([]byte(`{"params":{"uri":"file:///repo/src/a.ts"}}`))
	if err != nil {
		t.Fatal(err)
	}
	Egress(v, "/repo")

	got, _ := jvalue.String(mustField(v, "params"), "uri")
	if got != "file:///src/a.ts" {
		t.Fatalf("got %q", got)
	}
}

func TestEgressLeavesOutOfRootURIUntouched(t *testing.T) {
	v, err := jvalue.Decode([]byte(`{"params":{"uri":"file:///usr/include/stdio.h"}}`))
	if err != nil {
		t.Fatal(err)
	}
	Egress(v, "/repo")

	got, _ := jvalue.String(mustField(v, "params"), "uri")
	if got != "file:///usr/include/stdio.h" {
		t.Fatalf("expected untouched URI, got %q", got)
	}
}

func TestIngressThenEgressIsIdentityWithinRoot(t *testing.T) {
	orig := "file:///src/a.ts"
	v, err := jvalue.Decode([]byte(`{"uri":"` + orig + `"}`))
	if err != nil {
		t.Fatal(err)
	}
	Ingress(v, "/repo")
	Egress(v, "/repo")

	got, _ := jvalue.String(v, "uri")
	if got != orig {
		t.Fatalf("round trip not identity: got %q want %q", got, orig)
	}
}

func mustField(v jvalue.Value, path ...string) jvalue.Value {
	cur := v
	for _, p := range path {
		m, ok := jvalue.Object(cur)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

// Package uri implements the sidecar's URI rewriting contract (spec §4.5):
// the host speaks in root-relative file:/// URIs, the language server
// speaks in absolute file:// URIs anchored at the workspace root, and the
// sidecar translates between the two on every message that crosses that
// boundary. The mapping is purely lexical, never touching the filesystem.
package uri

import (
	"strings"

	"github.com/tris790/lsp-sidecar/internal/jvalue"
)

// rewrittenKeys names the object keys whose string values are candidate
// URIs (spec §4.5: "uri" or "targetUri").
var rewrittenKeys = map[string]bool{
	"uri":       true,
	"targetUri": true,
}

const filePrefix = "file:///"

// RootURI returns the file:// URI for rootPath with a trailing slash, as
// used in the initialize request's rootUri/workspaceFolders (spec §4.3).
func RootURI(rootPath string) string {
	p := strings.TrimSuffix(rootPath, "/")
	return "file://" + p + "/"
}

// Ingress rewrites root-relative file:/// URIs coming from the host into
// absolute file:// URIs under rootPath, in place, before the payload is
// forwarded to the child server.
//
// "file:///src/a.ts" with rootPath "/repo" becomes "file:///repo/src/a.ts".
func Ingress(v jvalue.Value, rootPath string) {
	root := strings.TrimSuffix(rootPath, "/")
	jvalue.Walk(v, rewrittenKeys, func(_ string, s string) string {
		if !strings.HasPrefix(s, filePrefix) {
			return s
		}
		rel := strings.TrimPrefix(s, filePrefix)
		rel = strings.TrimPrefix(rel, "/")
		return "file://" + root + "/" + rel
	})
}

// Egress rewrites absolute file:// URIs under rootPath coming from the
// child server back into root-relative file:/// URIs for the host, in
// place. URIs outside rootPath (e.g. a jump to a system header) are left
// untouched, since cross-file navigation outside the workspace is
// legitimate.
func Egress(v jvalue.Value, rootPath string) {
	root := strings.TrimSuffix(rootPath, "/")
	withSlash := "file://" + root + "/"
	withoutSlash := "file://" + root
	jvalue.Walk(v, rewrittenKeys, func(_ string, s string) string {
		switch {
		case strings.HasPrefix(s, withSlash):
			return filePrefix + strings.TrimPrefix(s, withSlash)
		case s == withoutSlash:
			return filePrefix
		default:
			return s
		}
	})
}

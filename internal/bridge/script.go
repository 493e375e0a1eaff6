// Package bridge holds both renditions of the client side of the protocol:
// the script injected into webviews and a Go client with the same encoding
// and callback semantics, used by tests and headless tooling.
package bridge

import (
	_ "embed"
	"strconv"
	"strings"
)

//go:embed invoke_system.js
var scriptTemplate string

// Script renders the page bridge script with the listening port and the
// shared invoke key substituted. The placeholders are opaque to the page;
// neither value is configurable at runtime.
func Script(port int, invokeKey string) string {
	s := strings.ReplaceAll(scriptTemplate, "__PORT__", strconv.Itoa(port))
	return strings.ReplaceAll(s, "__INVOKE_KEY__", invokeKey)
}

// Package directive resolves the bracketed action tokens an AI reply may
// contain, such as [SEND_IMAGE: red sneakers], into side effects and the
// text that replaces them.
package directive

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
)

// Kind names a directive.
type Kind string

const (
	KindSendImage   Kind = "SEND_IMAGE"
	KindCreateOrder Kind = "CREATE_ORDER"
	KindAddToCart   Kind = "ADD_TO_CART"
)

// ErrDirectiveExecution wraps any failure of a directive handler.
var ErrDirectiveExecution = errors.New("directive: execution failed")

// tokenPattern matches [KIND: args]. Args never contain brackets, so the
// innermost token of a nested pair wins.
var tokenPattern = regexp.MustCompile(`\[([A-Z_]+):\s*([^\[\]]*)\]`)

// argSeparator splits positional arguments.
const argSeparator = " - "

// Directive is one token found in a reply.
type Directive struct {
	Kind Kind

	// RawToken is the full bracketed text.
	RawToken string

	// Arg is the trimmed text after the colon; Args is Arg split on " - ".
	Arg  string
	Args []string

	// Start and End are byte offsets of RawToken in the scanned text.
	Start, End int
}

// Scope identifies the conversation a reply belongs to.
type Scope struct {
	TenantID       string
	ConversationID string
	CorrelationID  string
}

// Call is what a handler receives.
type Call struct {
	Directive
	Scope

	attachments []channels.Attachment
}

// Attach queues media to be sent along with the reply.
func (c *Call) Attach(a channels.Attachment) {
	c.attachments = append(c.attachments, a)
}

// Handler executes a directive and returns the text that replaces its token.
type Handler func(ctx context.Context, call *Call) (string, error)

// scan returns every [KIND: args] token in text, left to right.
func scan(text string) []Directive {
	matches := tokenPattern.FindAllStringSubmatchIndex(text, -1)
	out := make([]Directive, 0, len(matches))
	for _, m := range matches {
		arg := strings.TrimSpace(text[m[4]:m[5]])
		out = append(out, Directive{
			Kind:     Kind(text[m[2]:m[3]]),
			RawToken: text[m[0]:m[1]],
			Arg:      arg,
			Args:     splitArgs(arg),
			Start:    m[0],
			End:      m[1],
		})
	}
	return out
}

func splitArgs(arg string) []string {
	if arg == "" {
		return nil
	}
	parts := strings.Split(arg, argSeparator)
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

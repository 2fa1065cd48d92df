package directive

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
)

// Apology replaces a directive whose handler failed.
const Apology = "عذراً، حدث خطأ أثناء تنفيذ الطلب."

var (
	multiNewline  = regexp.MustCompile(`\n{3,}`)
	multiSpace    = regexp.MustCompile(`[ \t]{2,}`)
	spaceBeforeNL = regexp.MustCompile(`[ \t]+\n`)
)

// Result is a resolved reply.
type Result struct {
	// Text is the cleaned reply to send.
	Text string

	// Attachments were queued by handlers, in directive order.
	Attachments []channels.Attachment

	// Executed and Failed count handled directives.
	Executed int
	Failed   int
}

// Interpreter resolves directives with a registry.
type Interpreter struct {
	registry *Registry
	logger   *slog.Logger
}

// NewInterpreter creates an interpreter over reg.
func NewInterpreter(reg *Registry, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{registry: reg, logger: logger.With("component", "directive")}
}

// Parse returns the registered directives in text, left to right. Tokens of
// unknown kinds are not directives and are left alone.
func (in *Interpreter) Parse(text string) []Directive {
	all := scan(text)
	out := all[:0]
	for _, d := range all {
		if _, ok := in.registry.Lookup(d.Kind); ok {
			out = append(out, d)
		}
	}
	return out
}

// Interpret executes every directive in text and returns the reply with
// each token replaced. A failing directive only affects its own token.
func (in *Interpreter) Interpret(ctx context.Context, scope Scope, text string) Result {
	logger := in.logger.With("correlation_id", scope.CorrelationID, "tenant", scope.TenantID)

	var res Result
	var sb strings.Builder
	last := 0

	for _, d := range in.Parse(text) {
		sb.WriteString(text[last:d.Start])
		last = d.End

		call := &Call{Directive: d, Scope: scope}
		replacement, err := in.run(ctx, call)
		if err != nil {
			res.Failed++
			logger.Warn("directive failed", "kind", d.Kind, "token", d.RawToken, "error", err)
			sb.WriteString(Apology)
			continue
		}

		res.Executed++
		res.Attachments = append(res.Attachments, call.attachments...)
		sb.WriteString(neutralize(replacement))
		logger.Info("directive executed", "kind", d.Kind)
	}
	sb.WriteString(text[last:])

	res.Text = in.defuse(Clean(sb.String()))
	return res
}

// defuse rewrites the brackets of any directive that only formed once
// replacements were spliced into the surrounding text. Such tokens are
// never executed.
func (in *Interpreter) defuse(s string) string {
	for {
		found := in.Parse(s)
		if len(found) == 0 {
			return s
		}
		var sb strings.Builder
		last := 0
		for _, d := range found {
			sb.WriteString(s[last:d.Start])
			sb.WriteString(neutralize(d.RawToken))
			last = d.End
		}
		sb.WriteString(s[last:])
		s = sb.String()
	}
}

// run calls the handler, turning a panic into an error.
func (in *Interpreter) run(ctx context.Context, call *Call) (out string, err error) {
	h, _ := in.registry.Lookup(call.Kind)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrDirectiveExecution, call.Kind, r)
		}
	}()

	out, err = h(ctx, call)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrDirectiveExecution, call.Kind, err)
	}
	return out, nil
}

var bracketReplacer = strings.NewReplacer("[", "(", "]", ")")

// neutralize keeps handler output from forming tokens, alone or with the
// text around it, so resolved text never parses again.
func neutralize(s string) string {
	return bracketReplacer.Replace(s)
}

// Clean collapses the blank lines and spaces left by removed tokens.
func Clean(s string) string {
	s = multiSpace.ReplaceAllString(s, " ")
	s = spaceBeforeNL.ReplaceAllString(s, "\n")
	s = multiNewline.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

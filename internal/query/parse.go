package query

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/shlex"
	"github.com/spf13/pflag"

	"slack-archive-bot/internal/store"
)

const (
	DefaultLimit = 10
	DefaultSort  = store.Ascending
)

// QueryError is a malformed search. Message is shown to the user as is.
type QueryError struct {
	Message string
}

func (e *QueryError) Error() string { return e.Message }

func queryErrorf(format string, args ...any) *QueryError {
	return &QueryError{Message: fmt.Sprintf(format, args...)}
}

// Request is a parsed search command. Sender and Channel are names as
// typed, not yet resolved.
type Request struct {
	Text    string
	Sender  string
	Channel string
	Sort    store.SortOrder
	Limit   int
}

// Inline filters accepted in place of flags, e.g. from:alice.
var inlineKeys = map[string]string{
	"from":   "sender",
	"sender": "sender",
	"in":     "channel",
	"sort":   "sort",
	"limit":  "limit",
}

// Parse tokenizes text with shell quoting and reads the search grammar.
// A limit above maxLimit is clamped; maxLimit <= 0 disables the cap.
func Parse(text string, maxLimit int) (Request, error) {
	tokens, err := shlex.Split(text)
	if err != nil {
		return Request{}, queryErrorf("could not read query: %v", err)
	}
	return ParseArgs(tokens, maxLimit)
}

// ParseArgs is Parse for input that is already split into words, such as
// command-line arguments.
func ParseArgs(tokens []string, maxLimit int) (Request, error) {
	args := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		args = append(args, rewriteInline(tok))
	}

	var (
		req    Request
		sortBy string
		newest bool
	)
	fs := pflag.NewFlagSet("search", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&req.Sender, "sender", "", "only show messages from this person")
	fs.StringVar(&req.Channel, "channel", "", "only show messages in this channel")
	fs.StringVar(&sortBy, "sort", string(DefaultSort), "asc or desc")
	fs.BoolVar(&newest, "newest", false, "show the newest results first")
	fs.IntVar(&req.Limit, "limit", DefaultLimit, "show this many results")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Request{}, &QueryError{Message: Usage}
		}
		return Request{}, &QueryError{Message: err.Error()}
	}

	switch {
	case newest:
		req.Sort = store.Descending
	case strings.EqualFold(sortBy, string(store.Ascending)):
		req.Sort = store.Ascending
	case strings.EqualFold(sortBy, string(store.Descending)):
		req.Sort = store.Descending
	default:
		return Request{}, queryErrorf("sort must be asc or desc, not %q", sortBy)
	}

	if req.Limit <= 0 {
		return Request{}, queryErrorf("limit must be a positive number, not %d", req.Limit)
	}
	if maxLimit > 0 && req.Limit > maxLimit {
		req.Limit = maxLimit
	}

	req.Sender = strings.TrimPrefix(strings.TrimSpace(req.Sender), "@")
	req.Channel = strings.TrimPrefix(strings.TrimSpace(req.Channel), "#")
	req.Text = strings.TrimSpace(strings.Join(fs.Args(), " "))

	if req.Text == "" && req.Sender == "" && req.Channel == "" {
		return Request{}, queryErrorf("nothing to search for, try `help`")
	}
	return req, nil
}

// rewriteInline turns key:value into --key=value for known keys and
// leaves every other token alone.
func rewriteInline(tok string) string {
	if strings.HasPrefix(tok, "-") {
		return tok
	}
	key, value, ok := strings.Cut(tok, ":")
	if !ok {
		return tok
	}
	name, known := inlineKeys[strings.ToLower(key)]
	if !known {
		return tok
	}
	return "--" + name + "=" + value
}

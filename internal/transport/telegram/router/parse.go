package router

import (
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var errBadIndex = errors.New("index must be a positive number")

func newReqID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:12]
}

// splitCommand returns the command word (without '/' and any '@botname'
// suffix) and its arguments. ok is false when text is not a command.
func splitCommand(text string) (word string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return "", nil, false
	}
	word = strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", nil, false
	}
	return strings.ToLower(word), parts[1:], true
}

// tokenizeCommandLine splits command text into tokens. Single or double
// quotes group words; a backslash escapes the next byte.
//
//	/addaddress Київ "вул. Хрещатик" 22
func tokenizeCommandLine(s string) []string {
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
		quote bool // current token was quoted, keep it even if empty
	)
	flush := func() {
		if buf.Len() > 0 || quote {
			out = append(out, buf.String())
			buf.Reset()
		}
		quote = false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ, qChar, quote = true, ch, true
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// parseIndex converts a 1-based user index into a 0-based one. It does not
// check the upper bound.
func parseIndex(arg string) (int, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return 0, errBadIndex
	}
	for _, r := range arg {
		if r < '0' || r > '9' {
			return 0, errBadIndex
		}
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, errBadIndex
	}
	return n - 1, nil
}

// addressArgs maps command arguments onto city, street and house. With
// more than three arguments the middle ones form the street name.
func addressArgs(args []string) (city, street, house string, ok bool) {
	if len(args) < 3 {
		return "", "", "", false
	}
	city = args[0]
	house = args[len(args)-1]
	street = strings.Join(args[1:len(args)-1], " ")
	return city, street, house, true
}

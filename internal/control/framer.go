package control

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

// eventCode is the status code of asynchronous event messages.
const eventCode = "650"

// statusLine matches the start of every line outside a data block:
// three digit status code followed by the divider.
var statusLine = regexp.MustCompile(`^\d{3}[ +\-]`)

// ReplyLine is one status line of a control reply or event.
type ReplyLine struct {
	// Code is the three digit status code.
	Code string

	// Divider is ' ' for the final line, '-' for a continuation line and
	// '+' for a line followed by a data block.
	Divider byte

	// Text is everything after the divider.
	Text string

	// Data holds the unescaped data block lines when Divider is '+'.
	Data []string
}

// Reply is one complete framed message from the daemon: either the reply to
// a command or an asynchronous event.
type Reply struct {
	// Lines are the status lines in arrival order.
	Lines []ReplyLine

	// err is set on replies synthesized by the reader loop when framing or
	// the transport failed.
	err error
}

// Code returns the status code of the first line, or "" for an empty reply.
func (r *Reply) Code() string {
	if r == nil || len(r.Lines) == 0 {
		return ""
	}
	return r.Lines[0].Code
}

// Message returns the text of the first line.
func (r *Reply) Message() string {
	if r == nil || len(r.Lines) == 0 {
		return ""
	}
	return r.Lines[0].Text
}

// IsOK reports whether the reply carries a 2xx status.
func (r *Reply) IsOK() bool {
	return strings.HasPrefix(r.Code(), "2")
}

// HasPrefix reports whether the assembled reply text starts with prefix,
// e.g. "250 EXTENDED".
func (r *Reply) HasPrefix(prefix string) bool {
	return strings.HasPrefix(r.String(), prefix)
}

// Err classifies 5xx replies. It returns an error wrapping ErrAuthentication
// for 515, ErrController for any other 5xx status, and nil otherwise.
func (r *Reply) Err() error {
	code := r.Code()
	switch {
	case code == "515":
		return newReplyError(ErrAuthentication, "", r)
	case strings.HasPrefix(code, "5"):
		return newReplyError(ErrController, "", r)
	default:
		return nil
	}
}

// String assembles the reply back into text, one line per status line and
// data line, separated by "\n". Data blocks are terminated by ".".
func (r *Reply) String() string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	for i, l := range r.Lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(l.Code)
		sb.WriteByte(l.Divider)
		sb.WriteString(l.Text)
		if l.Divider == '+' {
			for _, d := range l.Data {
				sb.WriteByte('\n')
				sb.WriteString(d)
			}
			sb.WriteString("\n.")
		}
	}
	return sb.String()
}

// isEvent reports whether the message is an asynchronous event.
func (r *Reply) isEvent() bool {
	return r.Code() == eventCode
}

// payload returns the message with every status prefix stripped, lines and
// data lines joined by "\n".
func (r *Reply) payload() string {
	var parts []string
	for _, l := range r.Lines {
		parts = append(parts, l.Text)
		parts = append(parts, l.Data...)
	}
	return strings.Join(parts, "\n")
}

// value returns the value of a "key=value" reply line for key, including the
// data block lines when the value was sent as a data block.
func (r *Reply) value(key string) (string, bool) {
	prefix := key + "="
	for _, l := range r.Lines {
		if !strings.HasPrefix(l.Text, prefix) {
			continue
		}
		v := strings.TrimPrefix(l.Text, prefix)
		if l.Divider == '+' {
			lines := l.Data
			if v != "" {
				lines = append([]string{v}, lines...)
			}
			return strings.Join(lines, "\n"), true
		}
		return v, true
	}
	return "", false
}

// framer turns the raw byte stream into Reply messages. It buffers partial
// lines across reads, so a read may deliver less than a line or several.
type framer struct {
	r *bufio.Reader
}

// newFramer creates a framer reading from r.
func newFramer(r io.Reader) *framer {
	return &framer{r: bufio.NewReader(r)}
}

// readLine reads one line without its CRLF (or bare LF) terminator.
func (f *framer) readLine() (string, error) {
	line, err := f.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// ReadReply reads the next complete message. A line outside a data block
// that does not start with a status code and divider fails with ErrProtocol.
func (f *framer) ReadReply() (*Reply, error) {
	reply := &Reply{}
	for {
		line, err := f.readLine()
		if err != nil {
			return nil, err
		}
		if !statusLine.MatchString(line) {
			return nil, protocolErrorf("malformed control message: %q", line)
		}

		rl := ReplyLine{Code: line[:3], Divider: line[3], Text: line[4:]}
		switch rl.Divider {
		case '+':
			rl.Data, err = f.readData()
			if err != nil {
				return nil, err
			}
			reply.Lines = append(reply.Lines, rl)
		case '-':
			reply.Lines = append(reply.Lines, rl)
		case ' ':
			reply.Lines = append(reply.Lines, rl)
			return reply, nil
		default:
			return nil, protocolErrorf("unknown divider %q in line %q", rl.Divider, line)
		}
	}
}

// readData reads a data block up to its terminating "." line, removing the
// leading dot from lines that start with "..".
func (f *framer) readData() ([]string, error) {
	var data []string
	for {
		line, err := f.readLine()
		if err != nil {
			return nil, err
		}
		if line == "." {
			return data, nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		data = append(data, line)
	}
}

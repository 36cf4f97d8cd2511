package patchset

import (
	"bufio"
	"io"
	"mime"
	"net/mail"
	"os"
	"regexp"
	"strings"
)

var (
	fromLine      = regexp.MustCompile(`^From ([0-9a-f]{40}|[0-9a-f]{64}) `)
	subjectPrefix = regexp.MustCompile(`^\[[^\]]*PATCH[^\]]*\]\s*`)
)

// header is the identifying part of an mbox patch.
type header struct {
	Commit  string
	Subject string
}

func readHeader(path string) (header, error) {
	f, err := os.Open(path)
	if err != nil {
		return header{}, err
	}
	defer func() {
		_ = f.Close()
	}()

	// Headers end at the first blank line; the diff itself is not needed.
	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		b.WriteString(line)
		b.WriteByte('\n')
		if line == "" {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return header{}, err
	}
	return parseHeader(b.String()), nil
}

// parseHeader reads the source commit from the mbox From line and the
// subject with its [PATCH] tag removed. Missing fields stay empty.
func parseHeader(content string) header {
	var h header

	first, rest, _ := strings.Cut(content, "\n")
	if m := fromLine.FindStringSubmatch(first); m != nil {
		if strings.Trim(m[1], "0") != "" {
			h.Commit = m[1]
		}
	} else {
		rest = content
	}

	msg, err := mail.ReadMessage(strings.NewReader(rest))
	if err != nil && err != io.EOF {
		return h
	}
	if msg == nil {
		return h
	}

	subject := msg.Header.Get("Subject")
	if decoded, err := new(mime.WordDecoder).DecodeHeader(subject); err == nil {
		subject = decoded
	}
	subject = strings.Join(strings.Fields(subject), " ")
	h.Subject = subjectPrefix.ReplaceAllString(subject, "")
	return h
}

// CanonicalSubject returns subject as git am records it in the commit it
// creates: every leading "Re:" and bracketed tag such as "[core]" is
// dropped along with blanks and colons, and runs of whitespace collapse.
func CanonicalSubject(subject string) string {
	s := strings.Join(strings.Fields(subject), " ")
	for {
		switch {
		case s == "":
			return s
		case s[0] == ' ' || s[0] == ':':
			s = s[1:]
		case len(s) > 3 && strings.EqualFold(s[:3], "re:"):
			s = s[3:]
		case s[0] == '[':
			end := strings.IndexByte(s, ']')
			if end < 0 {
				return s
			}
			s = s[end+1:]
		default:
			return s
		}
	}
}

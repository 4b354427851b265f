package task

import (
	"encoding/xml"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Header is the metadata block a steering script may declare.
type Header struct {
	Description string
	Contact     string
	Input       []string
	Output      []string
	// Missing lists the mandatory tags the block did not declare.
	Missing []string
}

// Complete reports whether every mandatory tag was declared, even if empty.
func (h Header) Complete() bool { return len(h.Missing) == 0 }

var (
	ErrNoHeader      = errors.New("no header found")
	ErrInvalidHeader = errors.New("invalid header")
)

var headerBlock = regexp.MustCompile(`(?s)<header>.*?</header>`)

type xmlHeader struct {
	Fields []struct {
		XMLName xml.Name
		Text    string `xml:",chardata"`
	} `xml:",any"`
}

// ParseHeader extracts the first <header> block from a script. Repeated tags are
// merged. The input tag (or legacy dependencies) and the output tag are
// mandatory; absent ones are listed in Missing. The returned error is
// ErrNoHeader or wraps ErrInvalidHeader.
func ParseHeader(content []byte) (Header, error) {
	var h Header
	block := headerBlock.Find(content)
	if block == nil {
		return h, ErrNoHeader
	}
	var raw xmlHeader
	if err := xml.Unmarshal(block, &raw); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	var hasInput, hasOutput bool
	for _, f := range raw.Fields {
		switch strings.TrimSpace(f.XMLName.Local) {
		case "description":
			h.Description = joinText(h.Description, collapse(f.Text))
		case "contact", "author":
			h.Contact = joinText(h.Contact, collapse(f.Text))
		case "input", "dependencies":
			hasInput = true
			h.Input = append(h.Input, splitList(f.Text)...)
		case "output":
			hasOutput = true
			h.Output = append(h.Output, splitList(f.Text)...)
		}
	}
	if !hasInput {
		h.Missing = append(h.Missing, "input")
	}
	if !hasOutput {
		h.Missing = append(h.Missing, "output")
	}
	return h, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func joinText(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + " " + b
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

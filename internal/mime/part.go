// Package mime normalizes provider message payloads into a plain part tree
// and extracts the bodies, headers and flags the sync engine stores.
package mime

import (
	"bytes"
	"io"
	stdmime "mime"
	"strings"

	"github.com/emersion/go-message/charset"
)

// Part is a node of a MIME part tree. It is either a *Leaf or a *Branch.
type Part interface {
	isPart()
	// Name returns the filename attribute of the part, if any.
	Name() string
}

// Leaf is a part carrying content.
type Leaf struct {
	MimeType string
	Filename string
	Charset  string
	Data     []byte
}

// Branch is a multipart container.
type Branch struct {
	MimeType string
	Filename string
	Parts    []Part
}

func (*Leaf) isPart()   {}
func (*Branch) isPart() {}

func (l *Leaf) Name() string   { return l.Filename }
func (b *Branch) Name() string { return b.Filename }

// FirstLeaf walks the tree depth-first and returns the first leaf of the
// given MIME type that has content.
func FirstLeaf(p Part, mimeType string) (*Leaf, bool) {
	switch p := p.(type) {
	case *Leaf:
		if p == nil {
			return nil, false
		}
		if strings.EqualFold(p.MimeType, mimeType) && len(p.Data) > 0 {
			return p, true
		}
	case *Branch:
		if p == nil {
			return nil, false
		}
		for _, child := range p.Parts {
			if leaf, ok := FirstLeaf(child, mimeType); ok {
				return leaf, true
			}
		}
	}
	return nil, false
}

// HasAttachment reports whether any node in the tree carries a filename.
func HasAttachment(p Part) bool {
	if p == nil {
		return false
	}
	if p.Name() != "" {
		return true
	}
	if b, ok := p.(*Branch); ok && b != nil {
		for _, child := range b.Parts {
			if HasAttachment(child) {
				return true
			}
		}
	}
	return false
}

// Text returns the leaf content decoded to UTF-8. Unknown charsets are
// returned as-is.
func (l *Leaf) Text() string {
	cs := strings.ToLower(strings.TrimSpace(l.Charset))
	if cs == "" || cs == "utf-8" || cs == "us-ascii" {
		return string(l.Data)
	}
	r, err := charset.Reader(cs, bytes.NewReader(l.Data))
	if err != nil {
		return string(l.Data)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return string(l.Data)
	}
	return string(out)
}

// ContentType splits a Content-Type header value into its media type and
// charset parameter.
func ContentType(value string) (mediaType, cs string) {
	if value == "" {
		return "", ""
	}
	mt, params, err := stdmime.ParseMediaType(value)
	if err != nil {
		// Keep whatever precedes the first parameter.
		mt, _, _ = strings.Cut(value, ";")
		return strings.ToLower(strings.TrimSpace(mt)), ""
	}
	return mt, params["charset"]
}

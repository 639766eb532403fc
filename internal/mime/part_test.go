package mime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nestedMessage() Part {
	return &Branch{
		MimeType: "multipart/mixed",
		Parts: []Part{
			&Branch{
				MimeType: "multipart/alternative",
				Parts: []Part{
					&Leaf{MimeType: "text/plain", Data: []byte("hello plain")},
					&Leaf{MimeType: "text/html", Data: []byte("<p>hello html</p>")},
				},
			},
			&Leaf{MimeType: "application/pdf", Filename: "invoice.pdf", Data: []byte("%PDF")},
		},
	}
}

func TestFirstLeafNested(t *testing.T) {
	msg := nestedMessage()

	plain, ok := FirstLeaf(msg, "text/plain")
	require.True(t, ok)
	assert.Equal(t, "hello plain", plain.Text())

	html, ok := FirstLeaf(msg, "text/html")
	require.True(t, ok)
	assert.Equal(t, "<p>hello html</p>", html.Text())

	assert.True(t, HasAttachment(msg))
}

func TestFirstLeafSkipsEmptyParts(t *testing.T) {
	msg := &Branch{Parts: []Part{
		&Leaf{MimeType: "text/plain"},
		&Branch{Parts: []Part{&Leaf{MimeType: "TEXT/PLAIN", Data: []byte("second")}}},
	}}

	leaf, ok := FirstLeaf(msg, "text/plain")
	require.True(t, ok)
	assert.Equal(t, "second", string(leaf.Data))
}

func TestPlainOnly(t *testing.T) {
	msg := &Leaf{MimeType: "text/plain", Data: []byte("just text")}

	_, ok := FirstLeaf(msg, "text/html")
	assert.False(t, ok)
	assert.False(t, HasAttachment(msg))
}

func TestHasAttachmentDeep(t *testing.T) {
	msg := &Branch{Parts: []Part{
		&Branch{Parts: []Part{
			&Branch{Parts: []Part{&Leaf{MimeType: "image/png", Filename: "logo.png"}}},
		}},
	}}
	assert.True(t, HasAttachment(msg))
	assert.False(t, HasAttachment(nil))
}

func TestLeafTextCharset(t *testing.T) {
	// "café" in ISO-8859-1.
	leaf := &Leaf{MimeType: "text/plain", Charset: "iso-8859-1", Data: []byte{'c', 'a', 'f', 0xe9}}
	assert.Equal(t, "café", leaf.Text())

	unknown := &Leaf{MimeType: "text/plain", Charset: "x-made-up", Data: []byte("raw")}
	assert.Equal(t, "raw", unknown.Text())
}

func TestContentType(t *testing.T) {
	tests := []struct {
		in     string
		mt, cs  string
	}{
		{"text/plain; charset=\"UTF-8\"", "text/plain", "UTF-8"},
		{"text/html", "text/html", ""},
		{"TEXT/HTML; broken=", "text/html", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		mt, cs := ContentType(tt.in)
		assert.Equal(t, tt.mt, mt, tt.in)
		assert.Equal(t, tt.cs, cs, tt.in)
	}
}

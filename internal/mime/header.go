package mime

import (
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Header is a single raw message header as delivered by a provider.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list with case-insensitive lookup.
type Headers []Header

// Get returns the first value for name, or "" when absent.
func (h Headers) Get(name string) string {
	for _, kv := range h {
		if strings.EqualFold(kv.Name, name) {
			return kv.Value
		}
	}
	return ""
}

// mailHeader converts the list into a go-message header so decoding of
// encoded words and dates follows RFC 5322 / RFC 2047.
func (h Headers) mailHeader() mail.Header {
	var mh mail.Header
	for _, kv := range h {
		mh.Add(kv.Name, kv.Value)
	}
	return mh
}

// Subject returns the decoded Subject header.
func (h Headers) Subject() string {
	mh := h.mailHeader()
	s, err := mh.Subject()
	if err != nil {
		return h.Get("Subject")
	}
	return s
}

// Date returns the parsed Date header, or fallback when the header is
// missing or malformed.
func (h Headers) Date(fallback time.Time) time.Time {
	if h.Get("Date") == "" {
		return fallback
	}
	mh := h.mailHeader()
	t, err := mh.Date()
	if err != nil || t.IsZero() {
		return fallback
	}
	return t
}

// Address returns the display name and address of the first mailbox in the
// named header.
func (h Headers) Address(name string) (string, string) {
	return ParseAddress(h.Get(name))
}

// ParseAddress splits a "Display Name <address>" value. Values that do not
// parse as RFC 5322 fall back to the text inside angle brackets, then to the
// raw value. The address is lower-cased.
func ParseAddress(raw string) (name, address string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}

	var mh mail.Header
	mh.Set("From", raw)
	if list, err := mh.AddressList("From"); err == nil && len(list) > 0 {
		return list[0].Name, strings.ToLower(list[0].Address)
	}

	open := strings.LastIndex(raw, "<")
	if open >= 0 {
		if end := strings.Index(raw[open:], ">"); end > 1 {
			address = strings.TrimSpace(raw[open+1 : open+end])
			name = strings.Trim(strings.TrimSpace(raw[:open]), `"`)
			return name, strings.ToLower(address)
		}
	}
	return "", strings.ToLower(raw)
}

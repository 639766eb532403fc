package mime

import (
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
)

// Parse reads a raw RFC 5322 message into its top-level headers and part
// tree. Transfer encodings are removed and text parts are converted to
// UTF-8 where the charset is known.
func Parse(r io.Reader) (Headers, Part, error) {
	entity, err := message.Read(r)
	if err != nil && !tolerable(err) {
		return nil, nil, fmt.Errorf("parse message: %w", err)
	}

	var headers Headers
	fields := entity.Header.Fields()
	for fields.Next() {
		value, ferr := fields.Text()
		if ferr != nil {
			value = fields.Value()
		}
		headers = append(headers, Header{Name: fields.Key(), Value: value})
	}

	part, err := walk(entity, err)
	if err != nil {
		return nil, nil, err
	}
	return headers, part, nil
}

func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// walk converts an entity; readErr is the tolerable error, if any, that
// go-message returned while creating it.
func walk(e *message.Entity, readErr error) (Part, error) {
	mediaType, params, _ := e.Header.ContentType()
	filename := partFilename(e, params)

	if mr := e.MultipartReader(); mr != nil {
		branch := &Branch{MimeType: mediaType, Filename: filename}
		for {
			child, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !tolerable(err) {
				return nil, fmt.Errorf("read %s part: %w", mediaType, err)
			}
			p, err := walk(child, err)
			if err != nil {
				return nil, err
			}
			branch.Parts = append(branch.Parts, p)
		}
		return branch, nil
	}

	data, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s body: %w", mediaType, err)
	}

	leaf := &Leaf{MimeType: mediaType, Filename: filename, Data: data}
	// Bodies go-message could not convert keep their declared charset so
	// Text can try again; everything else is UTF-8 already.
	if readErr != nil && message.IsUnknownCharset(readErr) {
		leaf.Charset = params["charset"]
	}
	return leaf, nil
}

func partFilename(e *message.Entity, ctParams map[string]string) string {
	if _, dispParams, err := e.Header.ContentDisposition(); err == nil {
		if name := strings.TrimSpace(dispParams["filename"]); name != "" {
			return name
		}
	}
	return strings.TrimSpace(ctParams["name"])
}

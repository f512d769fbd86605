package decompose

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/rotisserie/eris"
)

// attachment is one payload carried by a mail container.
type attachment struct {
	Name string
	Data []byte
}

// parseEmail extracts the plain-text body and the attachments of a MIME
// message. Nested containers come back as attachments; the worklist in
// Decompose recurses into them.
func parseEmail(data []byte) (string, []attachment, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return "", nil, eris.Wrap(err, "decompose: read mail message")
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		// Bare messages without a Content-Type header carry a plain body.
		body, rerr := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		if rerr != nil {
			return "", nil, rerr
		}
		return strings.TrimSpace(string(body)), nil, nil
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return "", nil, err
		}
		return strings.TrimSpace(string(body)), nil, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return "", nil, eris.New("decompose: multipart message without boundary")
	}
	return walkParts(msg.Body, boundary)
}

// walkParts accumulates text bodies and attachments across a multipart
// tree. multipart/* subtrees are flattened in place; non-multipart parts
// with a filename become attachments regardless of disposition.
func walkParts(r io.Reader, boundary string) (string, []attachment, error) {
	var bodies []string
	var atts []attachment

	mr := multipart.NewReader(r, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, eris.Wrap(err, "decompose: read mail part")
		}

		partType, partParams, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if strings.HasPrefix(partType, "multipart/") {
			if sub := partParams["boundary"]; sub != "" {
				subBody, subAtts, err := walkParts(part, sub)
				if err != nil {
					return "", nil, err
				}
				if subBody != "" {
					bodies = append(bodies, subBody)
				}
				atts = append(atts, subAtts...)
			}
			continue
		}

		name := partFilename(part)
		payload, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return "", nil, err
		}

		switch {
		case name != "":
			atts = append(atts, attachment{Name: name, Data: payload})
		case partType == "text/plain" || partType == "":
			if text := strings.TrimSpace(string(payload)); text != "" {
				bodies = append(bodies, text)
			}
		case partType == "message/rfc822":
			atts = append(atts, attachment{Name: "forwarded.eml", Data: payload})
		}
	}

	return strings.Join(bodies, "\n\n"), atts, nil
}

func partFilename(part *multipart.Part) string {
	if name := part.FileName(); name != "" {
		return name
	}
	_, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
	if err == nil {
		return params["name"]
	}
	return ""
}

func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, newWhitespaceStripper(r))
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "decompose: decode mail body")
	}
	return data, nil
}

// whitespaceStripper removes line breaks base64 bodies are wrapped with.
type whitespaceStripper struct {
	r io.Reader
}

func newWhitespaceStripper(r io.Reader) io.Reader {
	return &whitespaceStripper{r: r}
}

func (w *whitespaceStripper) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	out := 0
	for i := 0; i < n; i++ {
		switch p[i] {
		case '\r', '\n', ' ', '\t':
		default:
			p[out] = p[i]
			out++
		}
	}
	if out == 0 && err == nil && n > 0 {
		return w.Read(p)
	}
	return out, err
}

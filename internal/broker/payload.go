package broker

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrorNamespace is the XML namespace of broker error messages.
const ErrorNamespace = "http://schemas.microsoft.com/SQL/ServiceBroker/Error"

// ErrorPayload is the body of an error message.
type ErrorPayload struct {
	Code        int
	Description string
}

func (p ErrorPayload) String() string {
	return fmt.Sprintf("%d: %s", p.Code, p.Description)
}

type errorDocument struct {
	XMLName     xml.Name `xml:"http://schemas.microsoft.com/SQL/ServiceBroker/Error Error"`
	Code        string   `xml:"http://schemas.microsoft.com/SQL/ServiceBroker/Error Code"`
	Description string   `xml:"http://schemas.microsoft.com/SQL/ServiceBroker/Error Description"`
}

// ParseErrorPayload decodes an error message body. The broker stores these as
// UTF-16 XML; UTF-8 bodies are accepted as well.
func ParseErrorPayload(body []byte) (ErrorPayload, error) {
	if len(body) == 0 {
		return ErrorPayload{}, fmt.Errorf("broker: empty error message")
	}
	var decoded io.Reader = bytes.NewReader(body)
	if looksUTF16(body) {
		fallback := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
		decoded = transform.NewReader(decoded, unicode.BOMOverride(fallback.NewDecoder()))
	}
	dec := xml.NewDecoder(decoded)
	dec.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		switch strings.ToLower(label) {
		case "utf-16", "utf-16le", "unicode", "utf-8":
			return input, nil
		}
		return nil, fmt.Errorf("broker: unsupported error message charset %q", label)
	}
	var doc errorDocument
	if err := dec.Decode(&doc); err != nil {
		return ErrorPayload{}, fmt.Errorf("broker: decode error message: %w", err)
	}
	var code int
	if _, err := fmt.Sscan(strings.TrimSpace(doc.Code), &code); err != nil {
		return ErrorPayload{}, fmt.Errorf("broker: error message code %q: %w", doc.Code, err)
	}
	return ErrorPayload{Code: code, Description: doc.Description}, nil
}

// EncodeErrorPayload renders p the way the broker does, as UTF-16LE XML with a
// byte order mark.
func EncodeErrorPayload(p ErrorPayload) []byte {
	var doc bytes.Buffer
	doc.WriteString(`<Error xmlns="` + ErrorNamespace + `"><Code>`)
	fmt.Fprintf(&doc, "%d", p.Code)
	doc.WriteString(`</Code><Description>`)
	_ = xml.EscapeText(&doc, []byte(p.Description))
	doc.WriteString(`</Description></Error>`)
	enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	out, err := enc.Bytes(doc.Bytes())
	if err != nil {
		return doc.Bytes()
	}
	return out
}

func looksUTF16(body []byte) bool {
	if len(body) < 2 {
		return false
	}
	if (body[0] == 0xFF && body[1] == 0xFE) || (body[0] == 0xFE && body[1] == 0xFF) {
		return true
	}
	return body[0] == '<' && body[1] == 0
}

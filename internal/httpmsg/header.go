// Package httpmsg holds the Request/Header value types shared by the
// parser, router, and response writer. Header follows the teacher pack's
// net/http-alike Header type: an ordered-enough map[string][]string
// driven through net/textproto for case-insensitive keys and
// comma/space canonicalization, matching
// DiSiqueira-StaticServer's header.go.
package httpmsg

import (
	"io"
	"net/textproto"
	"sort"
	"strings"
)

type Header map[string][]string

func NewHeader() Header { return make(Header) }

func (h Header) Add(key, value string) {
	textproto.MIMEHeader(h).Add(key, value)
}

func (h Header) Set(key, value string) {
	textproto.MIMEHeader(h).Set(key, value)
}

func (h Header) Get(key string) string {
	return textproto.MIMEHeader(h).Get(key)
}

func (h Header) Del(key string) {
	textproto.MIMEHeader(h).Del(key)
}

func (h Header) Values(key string) []string {
	return textproto.MIMEHeader(h).Values(key)
}

func (h Header) Clone() Header {
	h2 := make(Header, len(h))
	for k, vv := range h {
		vv2 := make([]string, len(vv))
		copy(vv2, vv)
		h2[k] = vv2
	}
	return h2
}

var newlineToSpace = strings.NewReplacer("\n", " ", "\r", " ")

// WriteTo serializes the header set in a deterministic order (sorted by
// key) so responses and autoindex/test fixtures are byte-reproducible.
func (h Header) WriteTo(w io.Writer) error {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			v = newlineToSpace.Replace(v)
			v = textproto.TrimString(v)
			if _, err := io.WriteString(w, k); err != nil {
				return err
			}
			if _, err := io.WriteString(w, ": "); err != nil {
				return err
			}
			if _, err := io.WriteString(w, v); err != nil {
				return err
			}
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				return err
			}
		}
	}
	return nil
}

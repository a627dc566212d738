package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Kind is the format of submitted document data.
type Kind string

const (
	KindText Kind = "text"
	KindHTML Kind = "html"
	KindPDF  Kind = "pdf"
)

// pageBreak separates PDF pages in extracted text. The worker uses it to
// attribute chunks to pages.
const pageBreak = "\f"

var (
	ErrUnsupportedKind = errors.New("unsupported document kind")
	// ErrInvalidDocument means the data could not be read as its kind.
	ErrInvalidDocument = errors.New("invalid document")
)

// Extracted is the plain text of a document.
type Extracted struct {
	Text  string
	Title string
	// Pages is the page count for paged formats, zero otherwise.
	Pages int
}

// ParseKind maps a user supplied kind, file extension or media type to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "", "text", "txt", "md", "markdown", "text/plain", "text/markdown":
		return KindText, nil
	case "html", "htm", "text/html", "application/xhtml+xml":
		return KindHTML, nil
	case "pdf", "application/pdf":
		return KindPDF, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
}

// Extract returns the plain text of data.
func Extract(kind Kind, data []byte) (Extracted, error) {
	switch kind {
	case KindText, "":
		if !utf8.Valid(data) {
			return Extracted{}, fmt.Errorf("%w: text is not valid UTF-8", ErrInvalidDocument)
		}
		return Extracted{Text: string(data)}, nil
	case KindHTML:
		return extractHTML(bytes.NewReader(data))
	case KindPDF:
		return extractPDF(data)
	}
	return Extracted{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
}

func extractHTML(r io.Reader) (Extracted, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Extracted{}, fmt.Errorf("parsing html: %w", err)
	}

	var out Extracted
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			case atom.Title:
				if out.Title == "" && n.FirstChild != nil {
					out.Title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	out.Text = sb.String()
	return out, nil
}

func extractPDF(data []byte) (Extracted, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Extracted{}, fmt.Errorf("%w: opening pdf: %w", ErrInvalidDocument, err)
	}

	n := r.NumPage()
	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return Extracted{}, fmt.Errorf("reading pdf page %d: %w", i, err)
		}
		pages = append(pages, strings.ReplaceAll(text, pageBreak, " "))
	}
	return Extracted{Text: strings.Join(pages, pageBreak), Pages: n}, nil
}

package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{
		"":                KindText,
		"txt":             KindText,
		".md":             KindText,
		"TEXT/PLAIN":      KindText,
		"html":            KindHTML,
		".htm":            KindHTML,
		"text/html":       KindHTML,
		"pdf":             KindPDF,
		"application/pdf": KindPDF,
	}
	for in, want := range tests {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseKind("docx")
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestExtract_Text(t *testing.T) {
	ext, err := Extract(KindText, []byte("plain words"))
	require.NoError(t, err)
	assert.Equal(t, "plain words", ext.Text)
	assert.Zero(t, ext.Pages)

	_, err = Extract(KindText, []byte{0xff, 0xfe, 0xfd})
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestExtract_HTMLSkipsScripts(t *testing.T) {
	page := `<!doctype html>
<html>
<head>
  <title> Pricing </title>
  <style>body { color: red; }</style>
  <script>var secret = "do not index";</script>
</head>
<body>
  <h1>Plans</h1>
  <p>Basic costs <b>10</b> a month.</p>
  <noscript>enable javascript</noscript>
</body>
</html>`

	ext, err := Extract(KindHTML, []byte(page))
	require.NoError(t, err)

	assert.Equal(t, "Pricing", ext.Title)
	assert.Contains(t, ext.Text, "Plans")
	assert.Contains(t, ext.Text, "Basic costs")
	assert.Contains(t, ext.Text, "10")
	assert.NotContains(t, ext.Text, "do not index")
	assert.NotContains(t, ext.Text, "color: red")
	assert.NotContains(t, ext.Text, "enable javascript")
	assert.NotContains(t, ext.Text, "Pricing", "title is not body text")
}

func TestExtract_InvalidPDF(t *testing.T) {
	_, err := Extract(KindPDF, []byte("not a pdf"))
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestExtract_UnknownKind(t *testing.T) {
	_, err := Extract(Kind("docx"), nil)
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestSplit(t *testing.T) {
	t.Run("short text is one chunk", func(t *testing.T) {
		chunks := Split("  hello world  ", 100, 10)
		require.Len(t, chunks, 1)
		assert.Equal(t, "hello world", chunks[0].Text)
	})

	t.Run("empty text", func(t *testing.T) {
		assert.Empty(t, Split("", 100, 10))
		assert.Empty(t, Split("   \n ", 100, 10))
	})

	t.Run("overlap without whitespace", func(t *testing.T) {
		chunks := Split("abcdefghij", 4, 1)
		var texts []string
		for _, c := range chunks {
			texts = append(texts, c.Text)
		}
		assert.Equal(t, []string{"abcd", "defg", "ghij"}, texts)
	})

	t.Run("prefers whitespace boundaries", func(t *testing.T) {
		chunks := Split("aaa bbb ccc", 5, 0)
		var texts []string
		for _, c := range chunks {
			texts = append(texts, c.Text)
		}
		assert.Equal(t, []string{"aaa", "bbb", "ccc"}, texts)
	})

	t.Run("chunks overlap and cover the text", func(t *testing.T) {
		text := strings.Repeat("word ", 1000)
		chunks := Split(text, DefaultChunkSize, DefaultChunkOverlap)
		require.Greater(t, len(chunks), 1)

		assert.Equal(t, 0, chunks[0].Start)
		assert.Equal(t, len([]rune(text)), chunks[len(chunks)-1].End)
		for i, c := range chunks {
			assert.LessOrEqual(t, c.End-c.Start, DefaultChunkSize)
			if i > 0 {
				assert.Less(t, c.Start, chunks[i-1].End, "chunk %d does not overlap its predecessor", i)
			}
		}
	})

	t.Run("counts runes not bytes", func(t *testing.T) {
		chunks := Split(strings.Repeat("é", 10), 4, 0)
		require.Len(t, chunks, 3)
		assert.Equal(t, "éééé", chunks[0].Text)
	})

	t.Run("bad overlap is ignored", func(t *testing.T) {
		chunks := Split("abcdefgh", 4, 4)
		assert.Len(t, chunks, 2)
	})
}

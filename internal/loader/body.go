package loader

import (
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// countingReader tracks the raw bytes read from the wire.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// readBody reads at most limit+1 raw bytes of r, dropping a leading UTF-8 BOM
// and replacing invalid UTF-8 with U+FFFD. It returns the decoded body and the
// raw byte count, which callers compare against limit.
func readBody(r io.Reader, limit int64) ([]byte, int64, error) {
	raw := &countingReader{r: io.LimitReader(r, limit+1)}
	body, err := io.ReadAll(transform.NewReader(raw, unicode.UTF8BOM.NewDecoder()))
	return body, raw.n, err
}

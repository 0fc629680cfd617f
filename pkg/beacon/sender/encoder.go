package sender

import (
	"bytes"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
)

// maxPooledBuffer caps the buffers returned to the pool so one huge
// batch does not pin its memory.
const maxPooledBuffer = 1 << 20

var bufferPool = sync.Pool{
	New: func() any { return bytes.NewBuffer(make([]byte, 0, 64<<10)) },
}

var gzipPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
		return w
	},
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}

// Encoder serializes a batch into a request body.
type Encoder struct {
	// Gzip compresses the JSON document.
	Gzip bool
}

// ContentEncoding returns the Content-Encoding header value, "" for none.
func (e Encoder) ContentEncoding() string {
	if e.Gzip {
		return "gzip"
	}
	return ""
}

// Encode returns the batch as a JSON document, gzipped when enabled.
// The returned slice is owned by the caller.
func (e Encoder) Encode(batch dispatch.Batch) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer putBuffer(buf)

	if !e.Gzip {
		if err := json.NewEncoder(buf).Encode(batch); err != nil {
			return nil, err
		}
		return bytes.Clone(buf.Bytes()), nil
	}

	gz := gzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)
	defer gzipPool.Put(gz)

	if err := json.NewEncoder(gz).Encode(batch); err != nil {
		_ = gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	// pooled buffer must not escape
	return bytes.Clone(buf.Bytes()), nil
}

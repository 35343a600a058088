package proxy

import (
	"bytes"
	"io"
	"sync"
)

// maxPoolBufferCap bounds how large a buffer we keep around for reuse; a
// buffer grown past this during one unusually large request is let go back
// to the GC instead of bloating the pool.
const maxPoolBufferCap = 64 * 1024

var bodyBufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 0, 4096)
	},
}

func getBodyBuffer() []byte {
	return bodyBufferPool.Get().([]byte)[:0]
}

func putBodyBuffer(buf []byte) {
	if cap(buf) > maxPoolBufferCap {
		return
	}
	bodyBufferPool.Put(buf)
}

// readBodyPooled reads up to limit bytes from r into a pooled buffer,
// returning the data and a release func the caller must invoke once done
// with data (request bodies are read once per request but referenced across
// the whole account/site retry loop, so release happens at the very end).
func readBodyPooled(r io.Reader, limit int64) ([]byte, func(), error) {
	bb := bytes.NewBuffer(getBodyBuffer())
	_, err := io.Copy(bb, io.LimitReader(r, limit))
	data := bb.Bytes()
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		putBodyBuffer(data[:0])
	}
	if err != nil {
		return nil, release, err
	}
	return data, release, nil
}

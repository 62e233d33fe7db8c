// Package compress provides per-call payload compression, negotiated by
// encoding name. Compressors are pure byte transforms selected at the
// message encode/decode boundary.
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"
)

// Compressor is a capability pair for one content-encoding.
type Compressor interface {
	// Name is the encoding this compressor registers under, e.g. "gzip".
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

var (
	registryM sync.RWMutex
	registry  = map[string]Compressor{}
)

// Register makes a compressor available for lookup by its encoding name.
func Register(c Compressor) {
	if c.Name() == "" {
		panic("compress: cannot register a compressor with an empty name")
	}
	registryM.Lock()
	registry[c.Name()] = c
	registryM.Unlock()
}

// Lookup returns the compressor registered under the encoding name.
func Lookup(name string) (Compressor, error) {
	registryM.RLock()
	c, ok := registry[name]
	registryM.RUnlock()
	if !ok {
		return nil, fmt.Errorf("compress: no compressor registered for encoding %q", name)
	}
	return c, nil
}

// Identity is the no-op encoding, for peers that insist on an explicit
// encoding name.
const Identity = "identity"

func init() {
	Register(identityCompressor{})
}

type identityCompressor struct{}

func (identityCompressor) Name() string { return Identity }

func (identityCompressor) Compress(data []byte) ([]byte, error) { return data, nil }

func (identityCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

// Gzip is registered by default.
const Gzip = "gzip"

func init() {
	Register(gzipCompressor{})
}

type gzipCompressor struct{}

func (gzipCompressor) Name() string { return Gzip }

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var out bytes.Buffer
	w := gzip.NewWriter(&out)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

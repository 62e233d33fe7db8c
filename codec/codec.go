// Package codec provides the pluggable message serialisation layer. A Codec
// is a pure transform between an application message and its byte payload;
// one is selected per call by content-subtype.
package codec

import (
	"errors"
	"fmt"
	"sync"
)

var ErrSchemaMismatch = errors.New("codec: message does not match codec schema")
var ErrTruncated = errors.New("codec: truncated payload")

// Codec serialises and deserialises one kind of message payload. Marshal and
// Unmarshal must be side effect free and must round-trip losslessly for
// every value the codec accepts.
type Codec interface {
	// Name is the content-subtype this codec registers under, e.g. "proto"
	// for a content-type of application/rpc+proto. It must not be empty.
	Name() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

var (
	registryM sync.RWMutex
	registry  = map[string]Codec{}
)

// Register makes a codec available for lookup by its name. A later Register
// with the same name replaces the earlier codec. Not for concurrent use
// with Lookup; call from init or before the channel starts issuing calls.
func Register(c Codec) {
	if c.Name() == "" {
		panic("codec: cannot register a codec with an empty name")
	}
	registryM.Lock()
	registry[c.Name()] = c
	registryM.Unlock()
}

// Lookup returns the codec registered under name.
func Lookup(name string) (Codec, error) {
	registryM.RLock()
	c, ok := registry[name]
	registryM.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec: no codec registered for content-subtype %q", name)
	}
	return c, nil
}

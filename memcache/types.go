package memcache

import (
	"errors"
	"fmt"
)

var (
	// ErrCacheMiss is returned when a requested key is not present on the node.
	ErrCacheMiss = errors.New("memcache: cache miss")

	// ErrNotStored is returned when a storage command was not applied.
	ErrNotStored = errors.New("memcache: item not stored")

	// ErrMalformedKey is returned when a key is too long or contains whitespace or control characters.
	ErrMalformedKey = errors.New("memcache: key is too long or contains invalid characters")

	// ErrUnknownCommand is returned when the node replies with a bare ERROR line.
	ErrUnknownCommand = errors.New("memcache: unknown command")

	// ErrMalformedResponse is returned when a reply does not follow the text protocol.
	ErrMalformedResponse = errors.New("memcache: malformed response")
)

// Item is a single cache entry.
type Item struct {
	Key        string
	Value      []byte
	Flags      uint32
	Expiration int32 // seconds, 0 means never expire
}

// ServerError is a CLIENT_ERROR or SERVER_ERROR reply. The connection stays usable.
type ServerError struct {
	Kind    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("memcache: %s %s", e.Kind, e.Message)
}

// IsResumable reports whether the connection that produced err can be reused.
// Cache-level results and server error replies leave the stream in a known state;
// anything else (I/O errors, timeouts, protocol desync) does not.
func IsResumable(err error) bool {
	if err == nil {
		return true
	}

	var serverErr *ServerError
	switch {
	case errors.Is(err, ErrCacheMiss),
		errors.Is(err, ErrNotStored),
		errors.Is(err, ErrMalformedKey),
		errors.Is(err, ErrUnknownCommand),
		errors.As(err, &serverErr):
		return true
	}
	return false
}

// ValidKey reports whether key can be sent over the text protocol.
func ValidKey(key string) bool {
	if len(key) == 0 || len(key) > 250 {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return false
		}
	}
	return true
}

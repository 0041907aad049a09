package ota

import "time"

// Source opens firmware image streams.
// Any error from Open is treated as a connect failure.
type Source interface {
	Open(url string, timeout time.Duration) (Stream, error)
}

// Stream is an open image download.
//
// Read follows io.Reader: io.EOF marks the peer closing the connection
// normally and is the only accepted end of an image. Any other error is a
// stream fault. Content length is informational and never ends the transfer.
type Stream interface {
	// Status returns the HTTP status code and the advertised body
	// length, or -1 if the length is unknown.
	Status() (code int, length int64)
	Read(p []byte) (int, error)
	Close() error
}

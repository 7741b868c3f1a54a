package transport

import (
	"sync"

	"github.com/joshuafuller/flyweb/internal/protocol"
)

// bufferPool recycles receive buffers so the receive loop does not allocate
// a MaxMessageSize slice per datagram.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, protocol.MaxMessageSize)
		return &buf
	},
}

// GetBuffer returns a receive buffer of protocol.MaxMessageSize bytes.
func GetBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns a buffer obtained from GetBuffer.
func PutBuffer(buf *[]byte) {
	if buf == nil || len(*buf) != protocol.MaxMessageSize {
		return
	}
	bufferPool.Put(buf)
}

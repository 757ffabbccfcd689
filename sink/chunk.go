package sink

import (
	"encoding/binary"
	"errors"
)

// ChunkHeaderSize is the size of the header prefixed to every chunk of a
// frame: message sequence u32, chunk index u16 and chunk count u16, little endian
const ChunkHeaderSize = 8

// MaxChunks bounds the chunk count field
const MaxChunks = 1<<16 - 1

// ErrFrameTooLarge is returned when a frame needs more chunks than the header can count
var ErrFrameTooLarge = errors.New("frame too large for chunking")

// SplitFrame cuts an encoded frame into messages of at most size bytes,
// header included, for transports with a message size limit. Receivers
// reassemble by sequence and index.
func SplitFrame(msg []byte, seq uint32, size int) ([][]byte, error) {
	payload := size - ChunkHeaderSize
	if payload <= 0 {
		return nil, errors.New("chunk size smaller than chunk header")
	}

	count := (len(msg) + payload - 1) / payload
	if count == 0 {
		count = 1
	}
	if count > MaxChunks {
		return nil, ErrFrameTooLarge
	}

	chunks := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * payload
		end := min(start+payload, len(msg))

		chunk := make([]byte, 0, ChunkHeaderSize+end-start)
		chunk = binary.LittleEndian.AppendUint32(chunk, seq)
		chunk = binary.LittleEndian.AppendUint16(chunk, uint16(i))
		chunk = binary.LittleEndian.AppendUint16(chunk, uint16(count))
		chunk = append(chunk, msg[start:end]...)
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

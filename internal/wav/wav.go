// Package wav frames raw PCM sample data in a standard WAV container.
//
// The synthesis endpoint emits 16-bit little-endian mono samples at 24 kHz;
// the constants below match that known output format.
package wav

import (
	"bytes"
	"encoding/binary"
)

// PCM format of the synthesis endpoint's output.
const (
	SampleRate    = 24000
	NumChannels   = 1
	BitsPerSample = 16
)

// Header layout constants.
const (
	headerSize     = 44
	fmtChunkSize   = 16
	pcmAudioFormat = 1
	riffSizeOffset = 8

	bytesPerSample = BitsPerSample / 8
	blockAlign     = NumChannels * bytesPerSample
	byteRate       = SampleRate * blockAlign
)

// Assemble concatenates ordered PCM buffers and prepends a 44-byte WAV header.
// Buffers must already be in original chunk order; gaps from failed chunks are
// simply omitted by the caller. A buffer with an odd byte length is padded with
// one zero byte so subsequent samples keep 16-bit alignment. Zero buffers
// produce a valid empty-data WAV.
func Assemble(orderedPCM [][]byte) []byte {
	dataSize := 0
	for _, buffer := range orderedPCM {
		dataSize += len(buffer) + len(buffer)%2
	}

	out := bytes.NewBuffer(make([]byte, 0, headerSize+dataSize))

	writeHeader(out, dataSize)

	for _, buffer := range orderedPCM {
		out.Write(buffer)

		if len(buffer)%2 != 0 {
			out.WriteByte(0)
		}
	}

	return out.Bytes()
}

func writeHeader(out *bytes.Buffer, dataSize int) {
	out.WriteString("RIFF")
	writeUint32(out, uint32(headerSize-riffSizeOffset+dataSize))
	out.WriteString("WAVE")

	out.WriteString("fmt ")
	writeUint32(out, fmtChunkSize)
	writeUint16(out, pcmAudioFormat)
	writeUint16(out, NumChannels)
	writeUint32(out, SampleRate)
	writeUint32(out, byteRate)
	writeUint16(out, blockAlign)
	writeUint16(out, BitsPerSample)

	out.WriteString("data")
	writeUint32(out, uint32(dataSize))
}

func writeUint32(out *bytes.Buffer, value uint32) {
	var scratch [4]byte

	binary.LittleEndian.PutUint32(scratch[:], value)
	out.Write(scratch[:])
}

func writeUint16(out *bytes.Buffer, value uint16) {
	var scratch [2]byte

	binary.LittleEndian.PutUint16(scratch[:], value)
	out.Write(scratch[:])
}

package fileio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"ptd_relay/constants"
)

var (
	// ErrFileNotFound is returned when file to be sent cannot be opened
	ErrFileNotFound = errors.New("file not found")
	// ErrShortTransfer is returned when stream ended or failed before all announced bytes moved
	ErrShortTransfer = errors.New("incomplete file transfer")
	// ErrDestination is returned when received file cannot be created or written
	ErrDestination = errors.New("cannot write destination file")
)

// HeaderSize is the length of the file size prefix
const HeaderSize = 8

// DefaultChunkSize is used when caller passes a non-positive chunk size
const DefaultChunkSize = constants.DEFAULT_FILE_CHUNK_SIZE * 1024

// Transfer describes a completed file transfer
type Transfer struct {
	Size  int64  // Payload bytes excluding header
	CRC32 uint32 // IEEE checksum of payload
}

// SendBuffer writes whole buffer in pieces of at most chunkSize, accumulating partial writes
func SendBuffer(w io.Writer, buffer []byte, chunkSize int) (int, error) {
	if chunkSize <= 0 {
		chunkSize = len(buffer)
	}
	sent := 0
	for sent < len(buffer) {
		end := min(sent+chunkSize, len(buffer))
		n, err := w.Write(buffer[sent:end])
		if n < 0 {
			return sent, io.ErrShortWrite
		}
		sent += n
		if err != nil {
			return sent, err
		}
		if n == 0 {
			return sent, io.ErrShortWrite
		}
	}
	return sent, nil
}

// ReceiveBuffer fills whole buffer in reads of at most chunkSize, accumulating partial reads
func ReceiveBuffer(r io.Reader, buffer []byte, chunkSize int) (int, error) {
	if chunkSize <= 0 {
		chunkSize = len(buffer)
	}
	received := 0
	for received < len(buffer) {
		end := min(received+chunkSize, len(buffer))
		n, err := r.Read(buffer[received:end])
		received += n
		if err != nil {
			if errors.Is(err, io.EOF) && received < len(buffer) {
				return received, io.ErrUnexpectedEOF
			}
			if received == len(buffer) {
				return received, nil
			}
			return received, err
		}
	}
	return received, nil
}

// SendFile writes 8 byte size header followed by file contents in chunks
func SendFile(w io.Writer, filename string, chunkSize int) (*Transfer, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFileNotFound, filename, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFileNotFound, filename, err)
	}
	size := info.Size()

	header := binary.LittleEndian.AppendUint64(make([]byte, 0, HeaderSize), uint64(size))
	if _, err := SendBuffer(w, header, HeaderSize); err != nil {
		return nil, fmt.Errorf("%w: sending size header: %v", ErrShortTransfer, err)
	}

	result := &Transfer{Size: size}
	buffer := make([]byte, min(int64(chunkSize), max(size, 1)))
	remaining := size

	for remaining > 0 {
		chunk := buffer[:min(remaining, int64(len(buffer)))]
		// File may not shrink under us; the header already promised size bytes.
		if _, err := io.ReadFull(file, chunk); err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrShortTransfer, filename, err)
		}
		if _, err := SendBuffer(w, chunk, chunkSize); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrShortTransfer, err)
		}
		result.CRC32 = progressiveChecksumCRC32(result.CRC32, chunk)
		remaining -= int64(len(chunk))
	}

	return result, nil
}

// ReceiveFile reads size header and exactly that many bytes into destination.
// A failed transfer removes the partial destination file.
func ReceiveFile(r io.Reader, destination string, chunkSize int) (*Transfer, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	file, err := os.Create(destination)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDestination, err)
	}

	result, err := receiveInto(r, file, chunkSize)
	closeErr := file.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("%w: %v", ErrDestination, closeErr)
	}
	if err != nil {
		os.Remove(destination)
		return nil, err
	}

	return result, nil
}

func receiveInto(r io.Reader, file *os.File, chunkSize int) (*Transfer, error) {
	header := make([]byte, HeaderSize)
	if _, err := ReceiveBuffer(r, header, HeaderSize); err != nil {
		return nil, fmt.Errorf("%w: reading size header: %v", ErrShortTransfer, err)
	}
	size := int64(binary.LittleEndian.Uint64(header))
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrShortTransfer, size)
	}

	result := &Transfer{Size: size}
	buffer := make([]byte, min(int64(chunkSize), max(size, 1)))
	remaining := size

	for remaining > 0 {
		chunk := buffer[:min(remaining, int64(len(buffer)))]
		n, err := ReceiveBuffer(r, chunk, chunkSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %d of %d bytes: %v", ErrShortTransfer, size-remaining+int64(n), size, err)
		}
		if _, err := file.Write(chunk); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDestination, err)
		}
		result.CRC32 = progressiveChecksumCRC32(result.CRC32, chunk)
		remaining -= int64(n)
	}

	return result, nil
}

// progressiveChecksumCRC32 incrementally calculates CRC32 checksum
func progressiveChecksumCRC32(hash uint32, data []byte) uint32 {
	return crc32.Update(hash, crc32.IEEETable, data)
}

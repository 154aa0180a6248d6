package networking

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"ptd_relay/constants"
	"ptd_relay/networking/opcode"
)

var (
	// ErrShortRecord is returned when fewer bytes than the record size were available
	ErrShortRecord = errors.New("short read on fixed size record")
	// ErrFieldTooLong is returned when text does not fit a fixed size field
	ErrFieldTooLong = errors.New("text exceeds fixed field capacity")
	// ErrUnknownCommand is returned for command codes outside the vocabulary
	ErrUnknownCommand = errors.New("unknown command code")
)

// Record sizes on the wire.
var (
	AnswerSize    = binary.Size(ServerAnswer{})
	InitSize      = binary.Size(InitMessage{})
	StartLogSize  = binary.Size(StartLogMessage{})
	StartTestSize = binary.Size(StartTestMessage{})
	CommandSize   = binary.Size(BareCommand{})
)

// Command is a decoded client request received after session init
type Command struct {
	Code   int32
	Name   string // START_PTD and SAVE_FILE
	Amount int32  // START_RANGING and START_TESTING
}

// PayloadToBytes encodes fixed layout structure to slice of bytes
func PayloadToBytes(payload interface{}) ([]byte, error) {
	buffer := bytes.NewBuffer(make([]byte, 0, binary.Size(payload)))
	if err := binary.Write(buffer, binary.LittleEndian, payload); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// DecodePayload decodes slice of bytes to given structure. Payload must be exactly the structure size.
func DecodePayload(payload []byte, dst interface{}) error {
	size := binary.Size(dst)
	if size < 0 {
		return fmt.Errorf("cannot decode into %T", dst)
	}
	if len(payload) != size {
		return fmt.Errorf("%w: got %d of %d bytes", ErrShortRecord, len(payload), size)
	}
	return binary.Read(bytes.NewReader(payload), binary.LittleEndian, dst)
}

// ReadRecord reads exactly one fixed size record from stream and decodes it
func ReadRecord(r io.Reader, dst interface{}) error {
	buf := make([]byte, binary.Size(dst))
	if n, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: got %d of %d bytes", ErrShortRecord, n, len(buf))
		}
		return err
	}
	return DecodePayload(buf, dst)
}

// WriteRecord encodes fixed size record and writes it to stream
func WriteRecord(w io.Writer, src interface{}) error {
	out, err := PayloadToBytes(src)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// PutString copies text into fixed field leaving room for the NUL terminator
func PutString(dst []byte, text string) error {
	if len(text) > len(dst)-1 {
		return fmt.Errorf("%w: %d > %d", ErrFieldTooLong, len(text), len(dst)-1)
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, text)
	return nil
}

// CString returns text of NUL padded field
func CString(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		return string(field[:i])
	}
	return string(field)
}

// NewServerAnswer builds answer truncating message to field capacity
func NewServerAnswer(code int32, message string) *ServerAnswer {
	answer := &ServerAnswer{Code: code}
	if len(message) > len(answer.Message)-1 {
		message = message[:len(answer.Message)-1]
	}
	copy(answer.Message[:], message)
	return answer
}

// Text returns answer message
func (a *ServerAnswer) Text() string {
	return CString(a.Message[:])
}

// NewStartLogMessage builds START_PTD request for workload
func NewStartLogMessage(workload string) (*StartLogMessage, error) {
	msg := &StartLogMessage{Code: opcode.START_PTD}
	if err := PutString(msg.Name[:], workload); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewSaveLogMessage builds SAVE_FILE request for file name
func NewSaveLogMessage(name string) (*SaveLogMessage, error) {
	msg := &SaveLogMessage{Code: opcode.SAVE_FILE}
	if err := PutString(msg.Name[:], name); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewInitMessage builds session init message. Zero values mean auto range.
func NewInitMessage(mode int32, maxAmps, maxVolts float32) (*InitMessage, error) {
	if mode != opcode.RANGING_MODE && mode != opcode.TESTING_MODE {
		return nil, fmt.Errorf("invalid init mode %d", mode)
	}
	if maxAmps < 0 || maxVolts < 0 || math.IsNaN(float64(maxAmps)) || math.IsNaN(float64(maxVolts)) {
		return nil, fmt.Errorf("invalid range %v A / %v V", maxAmps, maxVolts)
	}
	return &InitMessage{Mode: mode, MaxAmps: maxAmps, MaxVolts: maxVolts}, nil
}

// ReadCommand reads command code followed by the body that the code implies
func ReadCommand(r io.Reader) (*Command, error) {
	var bare BareCommand
	if err := ReadRecord(r, &bare); err != nil {
		return nil, err
	}
	cmd := &Command{Code: bare.Code}

	switch bare.Code {
	case opcode.STOP_PTD, opcode.GET_FILE:
		// No body.
	case opcode.START_PTD, opcode.SAVE_FILE:
		var name [constants.FILE_NAME_LEN]byte
		if err := readBody(r, &name); err != nil {
			return nil, err
		}
		cmd.Name = CString(name[:])
	case opcode.START_RANGING, opcode.START_TESTING:
		if err := readBody(r, &cmd.Amount); err != nil {
			return nil, err
		}
	default:
		return cmd, fmt.Errorf("%w: %d", ErrUnknownCommand, bare.Code)
	}

	return cmd, nil
}

// readBody reads the part of a command that follows its code. EOF here means the record was cut short.
func readBody(r io.Reader, dst interface{}) error {
	err := ReadRecord(r, dst)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: command body missing", ErrShortRecord)
	}
	return err
}

// Package tcp implements the reliable-TCP PageTransport backend: an
// asynchronous listener plus the request/response wire protocol from
// spec.md §4.4.
package tcp

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/distmem/pager/pkg/page"
	"github.com/distmem/pager/pkg/transport"
)

// MaxFrameLen bounds a single frame's payload at 10 MiB (spec.md §4.4).
const MaxFrameLen = 10 * 1024 * 1024

// messageTag identifies the tagged-variant payload that follows the frame
// length prefix.
type messageTag byte

const (
	tagFetchPage messageTag = iota + 1
	tagPageData
	tagSendPage
	tagAck
	tagPing
	tagPong
	tagError
)

// Message is the decoded tagged variant carried by one frame.
type Message struct {
	Tag       messageTag
	GPA       uintptr
	Data      []byte // PageData, SendPage: exactly page.Size bytes
	Timestamp int64  // Ping, Pong
	ErrText   string // Error
}

func FetchPage(gpa uintptr) Message   { return Message{Tag: tagFetchPage, GPA: gpa} }
func PageData(gpa uintptr, data []byte) Message {
	return Message{Tag: tagPageData, GPA: gpa, Data: data}
}
func SendPage(gpa uintptr, data []byte) Message {
	return Message{Tag: tagSendPage, GPA: gpa, Data: data}
}
func Ack() Message                 { return Message{Tag: tagAck} }
func Ping(ts int64) Message        { return Message{Tag: tagPing, Timestamp: ts} }
func Pong(ts int64) Message        { return Message{Tag: tagPong, Timestamp: ts} }
func ErrorMsg(text string) Message { return Message{Tag: tagError, ErrText: text} }

// encodePayload serializes a Message's tagged-variant body (without the
// outer u32 frame-length prefix).
func encodePayload(m Message) ([]byte, error) {
	switch m.Tag {
	case tagFetchPage:
		buf := make([]byte, 1+8)
		buf[0] = byte(tagFetchPage)
		binary.BigEndian.PutUint64(buf[1:], uint64(m.GPA))

		return buf, nil

	case tagPageData:
		if len(m.Data) != page.Size {
			return nil, transport.NewError(transport.ErrProtocolError, "encode PageData",
				fmt.Errorf("payload must be %d bytes, got %d", page.Size, len(m.Data)))
		}

		buf := make([]byte, 1+8+page.Size)
		buf[0] = byte(tagPageData)
		binary.BigEndian.PutUint64(buf[1:9], uint64(m.GPA))
		copy(buf[9:], m.Data)

		return buf, nil

	case tagSendPage:
		if len(m.Data) != page.Size {
			return nil, transport.NewError(transport.ErrProtocolError, "encode SendPage",
				fmt.Errorf("payload must be %d bytes, got %d", page.Size, len(m.Data)))
		}

		buf := make([]byte, 1+8+page.Size)
		buf[0] = byte(tagSendPage)
		binary.BigEndian.PutUint64(buf[1:9], uint64(m.GPA))
		copy(buf[9:], m.Data)

		return buf, nil

	case tagAck:
		return []byte{byte(tagAck)}, nil

	case tagPing:
		buf := make([]byte, 1+8)
		buf[0] = byte(tagPing)
		binary.BigEndian.PutUint64(buf[1:], uint64(m.Timestamp))

		return buf, nil

	case tagPong:
		buf := make([]byte, 1+8)
		buf[0] = byte(tagPong)
		binary.BigEndian.PutUint64(buf[1:], uint64(m.Timestamp))

		return buf, nil

	case tagError:
		msg := []byte(m.ErrText)
		buf := make([]byte, 1+len(msg))
		buf[0] = byte(tagError)
		copy(buf[1:], msg)

		return buf, nil

	default:
		return nil, transport.NewError(transport.ErrProtocolError, "encode", fmt.Errorf("unknown message tag %d", m.Tag))
	}
}

// decodePayload parses a frame's payload back into a Message.
func decodePayload(buf []byte) (Message, error) {
	if len(buf) < 1 {
		return Message{}, transport.NewError(transport.ErrProtocolError, "decode", fmt.Errorf("empty frame"))
	}

	tag := messageTag(buf[0])
	body := buf[1:]

	switch tag {
	case tagFetchPage:
		if len(body) != 8 {
			return Message{}, protoErr("FetchPage", 8, len(body))
		}

		return Message{Tag: tag, GPA: uintptr(binary.BigEndian.Uint64(body))}, nil

	case tagPageData:
		if len(body) != 8+page.Size {
			return Message{}, protoErr("PageData", 8+page.Size, len(body))
		}

		gpa := uintptr(binary.BigEndian.Uint64(body[:8]))
		data := make([]byte, page.Size)
		copy(data, body[8:])

		return Message{Tag: tag, GPA: gpa, Data: data}, nil

	case tagSendPage:
		if len(body) != 8+page.Size {
			return Message{}, protoErr("SendPage", 8+page.Size, len(body))
		}

		gpa := uintptr(binary.BigEndian.Uint64(body[:8]))
		data := make([]byte, page.Size)
		copy(data, body[8:])

		return Message{Tag: tag, GPA: gpa, Data: data}, nil

	case tagAck:
		return Message{Tag: tag}, nil

	case tagPing:
		if len(body) != 8 {
			return Message{}, protoErr("Ping", 8, len(body))
		}

		return Message{Tag: tag, Timestamp: int64(binary.BigEndian.Uint64(body))}, nil

	case tagPong:
		if len(body) != 8 {
			return Message{}, protoErr("Pong", 8, len(body))
		}

		return Message{Tag: tag, Timestamp: int64(binary.BigEndian.Uint64(body))}, nil

	case tagError:
		return Message{Tag: tag, ErrText: string(body)}, nil

	default:
		return Message{}, transport.NewError(transport.ErrProtocolError, "decode", fmt.Errorf("unknown message tag %d", tag))
	}
}

func protoErr(variant string, want, got int) error {
	return transport.NewError(transport.ErrProtocolError, "decode "+variant,
		fmt.Errorf("expected %d body bytes, got %d", want, got))
}

// WriteMessage frames and writes m: a u32 big-endian length prefix
// followed by the encoded payload.
func WriteMessage(w io.Writer, m Message) error {
	payload, err := encodePayload(m)
	if err != nil {
		return err
	}

	if len(payload) > MaxFrameLen {
		return transport.NewError(transport.ErrProtocolError, "write", fmt.Errorf("frame of %d bytes exceeds max %d", len(payload), MaxFrameLen))
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("tcp: write frame length: %w", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("tcp: write frame payload: %w", err)
	}

	return nil
}

// ReadMessage reads one framed message from r. A length prefix exceeding
// MaxFrameLen is rejected before any payload buffer is allocated.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("tcp: read frame length: %w", err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameLen {
		return Message{}, transport.NewError(transport.ErrProtocolError, "read", fmt.Errorf("frame length %d exceeds max %d", n, MaxFrameLen))
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, transport.NewError(transport.ErrProtocolError, "read", fmt.Errorf("truncated frame: %w", err))
	}

	return decodePayload(payload)
}

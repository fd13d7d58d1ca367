package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// 火山引擎语音 WebSocket 二进制帧：4 字节头 + 可选序号/事件 + 负载长度 + 负载。
const protocolVersion byte = 0b0001

type frameType byte

const (
	frameClientRequest frameType = 0b0001
	frameClientAudio   frameType = 0b0010
	frameServerFull    frameType = 0b1001
	frameServerAudio   frameType = 0b1011
	frameServerError   frameType = 0b1111
)

type frameFlags byte

const (
	flagNone        frameFlags = 0b0000
	flagSequence    frameFlags = 0b0001
	flagLast        frameFlags = 0b0010
	flagLastWithSeq frameFlags = 0b0011
	flagEvent       frameFlags = 0b0100
)

const (
	serializationNone byte = 0b0000
	serializationJSON byte = 0b0001

	compressionNone byte = 0b0000
	compressionGzip byte = 0b0001
)

// 服务端事件编号，只列出解析时需要区分的几个。
const (
	eventStartConnection    int32 = 1
	eventFinishConnection   int32 = 2
	eventConnectionStarted  int32 = 50
	eventConnectionFailed   int32 = 51
	eventConnectionFinished int32 = 52
	eventSessionFinished    int32 = 152
)

type frame struct {
	kind          frameType
	flags         frameFlags
	serialization byte
	compression   byte
	sequence      int32
	event         int32
	sessionID     string
	connectID     string
	errorCode     uint32
	payload       []byte
}

// last 报告该帧是否为流中的最后一包。
func (f *frame) last() bool {
	switch f.flags & 0b0011 {
	case flagLast, flagLastWithSeq:
		return true
	}
	return false
}

func (f *frame) hasEvent() bool {
	return f.flags&flagEvent == flagEvent
}

// body 返回解压后的负载。
func (f *frame) body() ([]byte, error) {
	if f.compression == compressionGzip {
		return gunzip(f.payload)
	}
	return f.payload, nil
}

func encodeFrame(f *frame) []byte {
	var buf bytes.Buffer
	buf.WriteByte(protocolVersion<<4 | 0b0001)
	buf.WriteByte(byte(f.kind)<<4 | byte(f.flags))
	buf.WriteByte(f.serialization<<4 | f.compression)
	buf.WriteByte(0)

	switch f.flags & 0b0011 {
	case flagSequence, flagLastWithSeq:
		writeUint32(&buf, uint32(f.sequence))
	}

	if f.hasEvent() {
		writeUint32(&buf, uint32(f.event))
		if !connectionEvent(f.event) {
			writeString(&buf, f.sessionID)
		}
		if carriesConnectID(f.event) {
			writeString(&buf, f.connectID)
		}
	}

	writeUint32(&buf, uint32(len(f.payload)))
	buf.Write(f.payload)
	return buf.Bytes()
}

func decodeFrame(data []byte) (*frame, error) {
	r := bytes.NewReader(data)

	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if version := head[0] >> 4; version != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}
	if extra := int(head[0]&0x0F)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("read extended header: %w", err)
		}
	}

	f := &frame{
		kind:          frameType(head[1] >> 4),
		flags:         frameFlags(head[1] & 0x0F),
		serialization: head[2] >> 4,
		compression:   head[2] & 0x0F,
	}

	switch f.flags & 0b0011 {
	case flagSequence, flagLastWithSeq:
		seq, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
		f.sequence = int32(seq)
	}

	if f.hasEvent() {
		event, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read event: %w", err)
		}
		f.event = int32(event)
		if !connectionEvent(f.event) {
			if f.sessionID, err = readString(r); err != nil {
				return nil, fmt.Errorf("read session id: %w", err)
			}
		}
		if carriesConnectID(f.event) {
			if f.connectID, err = readString(r); err != nil {
				return nil, fmt.Errorf("read connect id: %w", err)
			}
		}
	}

	if f.kind == frameServerError {
		code, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
		f.errorCode = code
	}

	size, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read payload size: %w", err)
	}
	if size > 0 {
		if int64(size) > int64(r.Len()) {
			return nil, fmt.Errorf("payload truncated: want %d bytes, have %d", size, r.Len())
		}
		f.payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	return f, nil
}

// requestFrame 携带 JSON 请求参数。
func requestFrame(payload []byte, compression byte) *frame {
	return &frame{kind: frameClientRequest, serialization: serializationJSON, compression: compression, payload: payload}
}

// audioFrame 携带一段音频；最后一包的序号取负。
func audioFrame(chunk []byte, sequence int32, last bool) *frame {
	f := &frame{kind: frameClientAudio, compression: compressionGzip, payload: chunk, sequence: sequence}
	switch {
	case last && sequence != 0:
		f.flags = flagLastWithSeq
		f.sequence = -sequence
	case last:
		f.flags = flagLast
	case sequence > 0:
		f.flags = flagSequence
	default:
		f.flags = flagNone
	}
	return f
}

func connectionEvent(event int32) bool {
	switch event {
	case eventStartConnection, eventFinishConnection,
		eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func carriesConnectID(event int32) bool {
	switch event {
	case eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readString(r *bytes.Reader) (string, error) {
	size, err := readUint32(r)
	if err != nil {
		return "", err
	}
	if int64(size) > int64(r.Len()) {
		return "", fmt.Errorf("string length %d exceeds frame", size)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader creation failed: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read failed: %w", err)
	}
	return out, nil
}

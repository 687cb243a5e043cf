package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
)

const (
	packetConnect     = 1
	packetPublish     = 3
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetPingReq     = 12
	packetDisconnect  = 14
)

const (
	connAckAccepted             = 0x00
	connAckUnacceptableProtocol = 0x01
	connAckNotAuthorized        = 0x05

	subAckFailure = 0x80
)

type connectRequest struct {
	clientID string
	username string
	password string
}

func parseConnect(payload []byte) (connectRequest, error) {
	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return connectRequest{}, fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 { // MQTT 3.1.1
		return connectRequest{}, fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return connectRequest{}, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&0x01 != 0 {
		return connectRequest{}, fmt.Errorf("reserved connect flag set")
	}

	if _, err := rd.readUint16(); err != nil { // keep alive
		return connectRequest{}, fmt.Errorf("read keepalive: %w", err)
	}

	var req connectRequest
	if req.clientID, err = rd.readString(); err != nil {
		return connectRequest{}, fmt.Errorf("read client id: %w", err)
	}

	// will topic and message are read and discarded
	if flags&0x04 != 0 {
		if _, err := rd.readString(); err != nil {
			return connectRequest{}, fmt.Errorf("read will topic: %w", err)
		}
		if _, err := rd.readString(); err != nil {
			return connectRequest{}, fmt.Errorf("read will message: %w", err)
		}
	}
	if flags&0x80 != 0 {
		if req.username, err = rd.readString(); err != nil {
			return connectRequest{}, fmt.Errorf("read username: %w", err)
		}
	}
	if flags&0x40 != 0 {
		if req.password, err = rd.readString(); err != nil {
			return connectRequest{}, fmt.Errorf("read password: %w", err)
		}
	}

	return req, nil
}

func parsePublish(header byte, payload []byte) (PublishMessage, error) {
	qos := (header >> 1) & 0x03
	if qos != 0 {
		return PublishMessage{}, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return PublishMessage{}, fmt.Errorf("read topic: %w", err)
	}
	if err := ValidateTopic(topic); err != nil {
		return PublishMessage{}, err
	}

	if rd.remaining() == 0 {
		return PublishMessage{Topic: topic, Payload: nil}, nil
	}

	data := rd.readBytes(rd.remaining())
	return PublishMessage{Topic: topic, Payload: data}, nil
}

func buildConnAck(code byte) []byte {
	return []byte{0x20, 0x02, 0x00, code}
}

func buildPublishPacket(topic string, payload []byte) ([]byte, error) {
	topicLen := len(topic)
	if topicLen > 65535 {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + topicLen + len(payload)
	remainingBytes := encodeRemainingLength(remaining)

	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, 0x30)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(topicLen>>8), byte(topicLen&0xFF))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

func buildSubAck(packetID uint16, codes []byte) ([]byte, error) {
	if len(codes) == 0 {
		return nil, fmt.Errorf("no topics to ack")
	}
	remaining := 2 + len(codes)
	remainingBytes := encodeRemainingLength(remaining)
	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, 0x90)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(packetID>>8), byte(packetID&0xFF))
	packet = append(packet, codes...)
	return packet, nil
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readVarInt(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			break
		}
	}
	return encoded
}

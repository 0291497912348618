package canvas

import (
	"errors"
	"fmt"
	"slices"

	"golang.org/x/exp/maps"
	"google.golang.org/protobuf/encoding/protowire"
)

// version of the session protocol, checked in the hello
const ProtocolVersion = 1

var ErrProtocolVersion = errors.New("Protocol version mismatch.")

type MessageType uint8

const (
	MessageTypeHello        MessageType = 1
	MessageTypeSyncResponse MessageType = 2
	MessageTypeUpdate       MessageType = 3
	MessageTypeAwareness    MessageType = 4
	MessageTypePing         MessageType = 5
	MessageTypePong         MessageType = 6
)

func (self MessageType) String() string {
	switch self {
	case MessageTypeHello:
		return "HELLO"
	case MessageTypeSyncResponse:
		return "SYNC_RESPONSE"
	case MessageTypeUpdate:
		return "UPDATE"
	case MessageTypeAwareness:
		return "AWARENESS"
	case MessageTypePing:
		return "PING"
	case MessageTypePong:
		return "PONG"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(self))
	}
}

type Message interface {
	MessageType() MessageType
	encode(b []byte) []byte
	decode(b []byte) error
}

type Frame struct {
	MessageType  MessageType
	MessageBytes []byte
}

// sent by the client on every connect
type Hello struct {
	ClientId        string
	RoomId          string
	ProtocolVersion uint64
	Vector          VersionVector
}

// the deltas the client is missing, plus the server vector so the
// client can send what the server is missing
type SyncResponse struct {
	// encoded delta batch
	Batch  []byte
	Vector VersionVector
	// the client state predates garbage collection and must be rebuilt from `Batch`
	Reset bool
}

type Update struct {
	// encoded delta batch
	Batch []byte
}

type AwarenessMessage struct {
	Record *AwarenessRecord
}

// heartbeat. Carries the sender's vector so the room can prove
// observation for tombstone collection.
type Ping struct {
	Vector VersionVector
	SentAt int64
}

type Pong struct {
	SentAt int64
}

func (self *Hello) MessageType() MessageType {
	return MessageTypeHello
}

func (self *Hello) encode(b []byte) []byte {
	b = appendStringField(b, 1, self.ClientId)
	b = appendStringField(b, 2, self.RoomId)
	b = appendVarintField(b, 3, self.ProtocolVersion)
	return appendVersionVectorField(b, 4, self.Vector)
}

func (self *Hello) decode(b []byte) error {
	self.Vector = VersionVector{}
	_, err := consumeFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
		var err error
		switch num {
		case 1:
			self.ClientId, err = wireString(num, typ, value)
		case 2:
			self.RoomId, err = wireString(num, typ, value)
		case 3:
			self.ProtocolVersion, err = wireVarint(num, typ, value)
		case 4:
			err = consumeVersionVectorEntry(self.Vector, num, typ, value)
		default:
			return false, nil
		}
		return true, err
	})
	return err
}

func (self *SyncResponse) MessageType() MessageType {
	return MessageTypeSyncResponse
}

func (self *SyncResponse) encode(b []byte) []byte {
	b = appendBytesField(b, 1, self.Batch)
	b = appendVersionVectorField(b, 2, self.Vector)
	return appendBoolField(b, 3, self.Reset)
}

func (self *SyncResponse) decode(b []byte) error {
	self.Vector = VersionVector{}
	_, err := consumeFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
		var err error
		switch num {
		case 1:
			var batch []byte
			batch, err = wireBytes(num, typ, value)
			self.Batch = slices.Clone(batch)
		case 2:
			err = consumeVersionVectorEntry(self.Vector, num, typ, value)
		case 3:
			self.Reset, err = wireBool(num, typ, value)
		default:
			return false, nil
		}
		return true, err
	})
	return err
}

func (self *Update) MessageType() MessageType {
	return MessageTypeUpdate
}

func (self *Update) encode(b []byte) []byte {
	return appendBytesField(b, 1, self.Batch)
}

func (self *Update) decode(b []byte) error {
	_, err := consumeFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
		switch num {
		case 1:
			batch, err := wireBytes(num, typ, value)
			self.Batch = slices.Clone(batch)
			return true, err
		default:
			return false, nil
		}
	})
	return err
}

func (self *AwarenessMessage) MessageType() MessageType {
	return MessageTypeAwareness
}

func (self *AwarenessMessage) encode(b []byte) []byte {
	record := self.Record
	b = appendStringField(b, 1, record.ClientId)
	b = appendVarintField(b, 2, record.Seq)
	b = appendDoubleField(b, 3, record.Cursor.X)
	b = appendDoubleField(b, 4, record.Cursor.Y)
	b = appendRepeatedStringField(b, 5, record.Selection)
	keys := maps.Keys(record.Meta)
	slices.Sort(keys)
	for _, key := range keys {
		value := record.Meta[key]
		b = appendMessageField(b, 6, func(e []byte) []byte {
			e = appendStringField(e, 1, key)
			return appendStringField(e, 2, value)
		})
	}
	return appendBoolField(b, 7, record.Removed)
}

func (self *AwarenessMessage) decode(b []byte) error {
	record := &AwarenessRecord{
		Selection: []string{},
		Meta:      map[string]string{},
	}
	_, err := consumeFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
		var err error
		switch num {
		case 1:
			record.ClientId, err = wireString(num, typ, value)
		case 2:
			record.Seq, err = wireVarint(num, typ, value)
		case 3:
			record.Cursor.X, err = wireDouble(num, typ, value)
		case 4:
			record.Cursor.Y, err = wireDouble(num, typ, value)
		case 5:
			var elementId string
			elementId, err = wireString(num, typ, value)
			record.Selection = append(record.Selection, elementId)
		case 6:
			var entry []byte
			entry, err = wireBytes(num, typ, value)
			if err != nil {
				return true, err
			}
			var key string
			var entryValue string
			_, err = consumeFields(entry, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
				var err error
				switch num {
				case 1:
					key, err = wireString(num, typ, value)
				case 2:
					entryValue, err = wireString(num, typ, value)
				default:
					return false, nil
				}
				return true, err
			})
			record.Meta[key] = entryValue
		case 7:
			record.Removed, err = wireBool(num, typ, value)
		default:
			return false, nil
		}
		return true, err
	})
	self.Record = record
	return err
}

func (self *Ping) MessageType() MessageType {
	return MessageTypePing
}

func (self *Ping) encode(b []byte) []byte {
	b = appendVersionVectorField(b, 1, self.Vector)
	return appendVarintField(b, 2, uint64(self.SentAt))
}

func (self *Ping) decode(b []byte) error {
	self.Vector = VersionVector{}
	_, err := consumeFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
		switch num {
		case 1:
			return true, consumeVersionVectorEntry(self.Vector, num, typ, value)
		case 2:
			sentAt, err := wireVarint(num, typ, value)
			self.SentAt = int64(sentAt)
			return true, err
		default:
			return false, nil
		}
	})
	return err
}

func (self *Pong) MessageType() MessageType {
	return MessageTypePong
}

func (self *Pong) encode(b []byte) []byte {
	return appendVarintField(b, 1, uint64(self.SentAt))
}

func (self *Pong) decode(b []byte) error {
	_, err := consumeFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
		switch num {
		case 1:
			sentAt, err := wireVarint(num, typ, value)
			self.SentAt = int64(sentAt)
			return true, err
		default:
			return false, nil
		}
	})
	return err
}

func ToFrame(message Message) (*Frame, error) {
	switch v := message.(type) {
	case *Hello, *SyncResponse, *Update, *AwarenessMessage, *Ping, *Pong:
		return &Frame{
			MessageType:  message.MessageType(),
			MessageBytes: message.encode(nil),
		}, nil
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
}

func FromFrame(frame *Frame) (Message, error) {
	var message Message
	switch frame.MessageType {
	case MessageTypeHello:
		message = &Hello{}
	case MessageTypeSyncResponse:
		message = &SyncResponse{}
	case MessageTypeUpdate:
		message = &Update{}
	case MessageTypeAwareness:
		message = &AwarenessMessage{}
	case MessageTypePing:
		message = &Ping{}
	case MessageTypePong:
		message = &Pong{}
	default:
		return nil, fmt.Errorf("Unknown message type: %s", frame.MessageType)
	}
	if err := message.decode(frame.MessageBytes); err != nil {
		return nil, err
	}
	return message, nil
}

// frame {1: message type, 2: message bytes}
func EncodeFrame(message Message) ([]byte, error) {
	frame, err := ToFrame(message)
	if err != nil {
		return nil, err
	}
	b := appendVarintField(nil, 1, uint64(frame.MessageType))
	return appendBytesField(b, 2, frame.MessageBytes), nil
}

func RequireEncodeFrame(message Message) []byte {
	b, err := EncodeFrame(message)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeFrame(b []byte) (Message, error) {
	frame := &Frame{}
	_, err := consumeFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
		switch num {
		case 1:
			messageType, err := wireVarint(num, typ, value)
			frame.MessageType = MessageType(messageType)
			return true, err
		case 2:
			messageBytes, err := wireBytes(num, typ, value)
			frame.MessageBytes = messageBytes
			return true, err
		default:
			return false, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return FromFrame(frame)
}

package wire

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// VersionString is announced to every peer in the version_init packet.
const VersionString = "gazebo 11.14.0"

// Packet types exchanged between the master and its peers.
const (
	TypeVersionInit        = "version_init"
	TypeNamespacesInit     = "topic_namespaces_init"
	TypePublishersInit     = "publishers_init"
	TypeRegisterNamespace  = "register_topic_namespace"
	TypeNamespaceAdd       = "topic_namespace_add"
	TypeAdvertise          = "advertise"
	TypeUnadvertise        = "unadvertise"
	TypeSubscribe          = "subscribe"
	TypeUnsubscribe        = "unsubscribe"
	TypePublisherAdd       = "publisher_add"
	TypePublisherDel       = "publisher_del"
	TypePublisherUpdate    = "publisher_update"
	TypeRequest            = "request"
	TypePublisherList      = "publisher_list"
	TypeTopicInfoResponse  = "topic_info_response"
	TypeNamespacesResponse = "get_topic_namespaces_response"
)

// Request names carried in Request.Request.
const (
	RequestGetPublishers      = "get_publishers"
	RequestTopicInfo          = "topic_info"
	RequestGetTopicNamespaces = "get_topic_namespaces"
)

var (
	// ErrMalformedBody reports protobuf bytes that could not be parsed.
	ErrMalformedBody = errors.New("malformed message body")
	// ErrMissingType reports a packet without a type discriminator.
	ErrMissingType = errors.New("packet type missing")
)

// Message is any body that can travel inside a Packet.
type Message interface {
	Marshal() []byte
}

// Packet is the envelope every control message travels in.
type Packet struct {
	Stamp time.Time
	Type  string
	Data  []byte
}

// Marshal encodes the packet using the msgs::Packet field layout.
func (p Packet) Marshal() []byte {
	var stamp []byte
	if !p.Stamp.IsZero() {
		stamp = protowire.AppendTag(stamp, 1, protowire.VarintType)
		stamp = protowire.AppendVarint(stamp, uint64(int64(int32(p.Stamp.Unix()))))
		stamp = protowire.AppendTag(stamp, 2, protowire.VarintType)
		stamp = protowire.AppendVarint(stamp, uint64(int64(int32(p.Stamp.Nanosecond()))))
	}
	out := make([]byte, 0, len(p.Type)+len(p.Data)+len(stamp)+12)
	out = protowire.AppendTag(out, 1, protowire.BytesType)
	out = protowire.AppendBytes(out, stamp)
	out = protowire.AppendTag(out, 2, protowire.BytesType)
	out = protowire.AppendString(out, p.Type)
	out = protowire.AppendTag(out, 3, protowire.BytesType)
	out = protowire.AppendBytes(out, p.Data)
	return out
}

// Unmarshal decodes a packet produced by Marshal or by a Gazebo peer.
func (p *Packet) Unmarshal(b []byte) error {
	*p = Packet{}
	var sec, nsec int64
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			if typ != protowire.BytesType {
				return 0
			}
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			if err := consumeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) int {
				switch num {
				case 1:
					return consumeInt(typ, b, &sec)
				case 2:
					return consumeInt(typ, b, &nsec)
				}
				return 0
			}); err != nil {
				return -1
			}
			return n
		case 2:
			return consumeString(typ, b, &p.Type)
		case 3:
			return consumeBytes(typ, b, &p.Data)
		}
		return 0
	})
	if err != nil {
		return err
	}
	if p.Type == "" {
		return ErrMissingType
	}
	if sec != 0 || nsec != 0 {
		p.Stamp = time.Unix(sec, nsec).UTC()
	}
	return nil
}

// Encode wraps body in a timestamped packet of the given type.
func Encode(packetType string, body Message) []byte {
	var data []byte
	if body != nil {
		data = body.Marshal()
	}
	return Packet{Stamp: time.Now(), Type: packetType, Data: data}.Marshal()
}

// Decode splits packet bytes into their type and serialized body. ok is false
// when the bytes are not a packet.
func Decode(b []byte) (packetType string, body []byte, ok bool) {
	var p Packet
	if err := p.Unmarshal(b); err != nil {
		return "", nil, false
	}
	return p.Type, p.Data, true
}

// DecodePacket is Decode with the failure reason preserved.
func DecodePacket(b []byte) (Packet, error) {
	var p Packet
	if err := p.Unmarshal(b); err != nil {
		return Packet{}, fmt.Errorf("decode packet: %w", err)
	}
	return p, nil
}

// consumeFields walks every field in b. fn returns how many bytes of the value
// it consumed, zero to skip the field, or a negative protowire error code.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedBody, protowire.ParseError(n))
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedBody, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = append([]byte(nil), v...)
	}
	return n
}

func consumeInt(typ protowire.Type, b []byte, dst *int64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = int64(int32(v))
	}
	return n
}

func consumeUint(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// String carries a single text value (version_init, topic_namespace_add).
type String struct {
	Data string
}

// Marshal implements Message.
func (m String) Marshal() []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendString(b, m.Data)
}

// Unmarshal decodes a String body.
func (m *String) Unmarshal(b []byte) error {
	*m = String{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return consumeString(typ, b, &m.Data)
		}
		return 0
	})
}

// StringV carries a list of text values (namespace lists).
type StringV struct {
	Data []string
}

// Marshal implements Message.
func (m StringV) Marshal() []byte {
	var b []byte
	for _, s := range m.Data {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

// Unmarshal decodes a StringV body. An empty body is an empty list.
func (m *StringV) Unmarshal(b []byte) error {
	*m = StringV{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != 1 {
			return 0
		}
		var s string
		n := consumeString(typ, b, &s)
		if n > 0 {
			m.Data = append(m.Data, s)
		}
		return n
	})
}

// Publish describes one advertised publisher endpoint.
type Publish struct {
	Topic   string
	MsgType string
	Host    string
	Port    uint16
}

// Marshal implements Message.
func (m Publish) Marshal() []byte {
	return m.appendTo(nil)
}

func (m Publish) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.Topic)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.MsgType)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, m.Host)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(m.Port))
}

// Unmarshal decodes a Publish body.
func (m *Publish) Unmarshal(b []byte) error {
	*m = Publish{}
	var port uint64
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Topic)
		case 2:
			return consumeString(typ, b, &m.MsgType)
		case 3:
			return consumeString(typ, b, &m.Host)
		case 4:
			return consumeUint(typ, b, &port)
		}
		return 0
	})
	if err != nil {
		return err
	}
	if port > math.MaxUint16 {
		return fmt.Errorf("%w: publish port %d out of range", ErrMalformedBody, port)
	}
	m.Port = uint16(port)
	return nil
}

// Publishers carries a publisher list (publishers_init, publisher_list).
type Publishers struct {
	Publishers []Publish
}

// Marshal implements Message.
func (m Publishers) Marshal() []byte {
	var b []byte
	for _, pub := range m.Publishers {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, pub.Marshal())
	}
	return b
}

// Unmarshal decodes a Publishers body.
func (m *Publishers) Unmarshal(b []byte) error {
	*m = Publishers{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != 1 || typ != protowire.BytesType {
			return 0
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		var pub Publish
		if err := pub.Unmarshal(raw); err != nil {
			return -1
		}
		m.Publishers = append(m.Publishers, pub)
		return n
	})
}

// Subscribe describes one subscriber endpoint.
type Subscribe struct {
	Topic    string
	Host     string
	Port     uint16
	Latching bool
	MsgType  string
}

// Marshal implements Message.
func (m Subscribe) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.Topic)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.Host)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Port))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, m.MsgType)
	if m.Latching {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// Unmarshal decodes a Subscribe body.
func (m *Subscribe) Unmarshal(b []byte) error {
	*m = Subscribe{}
	var port, latching uint64
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Topic)
		case 2:
			return consumeString(typ, b, &m.Host)
		case 3:
			return consumeUint(typ, b, &port)
		case 4:
			return consumeString(typ, b, &m.MsgType)
		case 5:
			return consumeUint(typ, b, &latching)
		}
		return 0
	})
	if err != nil {
		return err
	}
	if port > math.MaxUint16 {
		return fmt.Errorf("%w: subscribe port %d out of range", ErrMalformedBody, port)
	}
	m.Port = uint16(port)
	m.Latching = protowire.DecodeBool(latching)
	return nil
}

// Request is a read-only query sent to the master.
type Request struct {
	ID       int32
	Request  string
	Data     string
	DblData  float64
	DataType string
}

// Marshal implements Message.
func (m Request) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(m.ID)))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.Request)
	if m.Data != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, m.Data)
	}
	if m.DblData != 0 {
		b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(m.DblData))
	}
	if m.DataType != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, m.DataType)
	}
	return b
}

// Unmarshal decodes a Request body.
func (m *Request) Unmarshal(b []byte) error {
	*m = Request{}
	var id int64
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeInt(typ, b, &id)
		case 2:
			return consumeString(typ, b, &m.Request)
		case 3:
			return consumeString(typ, b, &m.Data)
		case 4:
			if typ != protowire.Fixed64Type {
				return 0
			}
			v, n := protowire.ConsumeFixed64(b)
			if n >= 0 {
				m.DblData = math.Float64frombits(v)
			}
			return n
		case 5:
			return consumeString(typ, b, &m.DataType)
		}
		return 0
	})
	m.ID = int32(id)
	return err
}

// TopicInfo answers a topic_info request.
type TopicInfo struct {
	MsgType     string
	Publishers  []Publish
	Subscribers []Subscribe
}

// Marshal implements Message.
func (m TopicInfo) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.MsgType)
	for _, pub := range m.Publishers {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, pub.Marshal())
	}
	for _, sub := range m.Subscribers {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, sub.Marshal())
	}
	return b
}

// Unmarshal decodes a TopicInfo body.
func (m *TopicInfo) Unmarshal(b []byte) error {
	*m = TopicInfo{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &m.MsgType)
		case 2, 3:
			if typ != protowire.BytesType {
				return 0
			}
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			if num == 2 {
				var pub Publish
				if err := pub.Unmarshal(raw); err != nil {
					return -1
				}
				m.Publishers = append(m.Publishers, pub)
			} else {
				var sub Subscribe
				if err := sub.Unmarshal(raw); err != nil {
					return -1
				}
				m.Subscribers = append(m.Subscribers, sub)
			}
			return n
		}
		return 0
	})
}

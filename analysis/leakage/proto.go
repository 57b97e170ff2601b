// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package leakage

import (
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/specleak/specleak/analysis/cfg"
)

// LeakageMsg is the worker IPC message:
//
//	message LeakageMsg {
//	  repeated uint64 vec = 1;
//	  uint64 transmitter = 2;
//	  string desc = 3;
//	}
//
// encoded on the protobuf wire format, length-delimited on the stream.
type LeakageMsg struct {
	Vec         []uint64
	Transmitter uint64
	Desc        string
}

func leakToMsg(l Leakage) *LeakageMsg {
	m := &LeakageMsg{
		Transmitter: uint64(l.Transmitter),
		Desc:        l.Desc,
	}
	for _, ref := range l.Vec {
		m.Vec = append(m.Vec, uint64(ref))
	}
	return m
}

func msgToLeak(m *LeakageMsg) Leakage {
	l := Leakage{
		Transmitter: cfg.NodeRef(m.Transmitter),
		Desc:        m.Desc,
	}
	for _, ref := range m.Vec {
		l.Vec = append(l.Vec, cfg.NodeRef(ref))
	}
	return l
}

// Marshal encodes the message on the protobuf wire format. The vec field uses packed
// encoding.
func (m *LeakageMsg) Marshal() []byte {
	var b []byte
	if len(m.Vec) > 0 {
		var packed []byte
		for _, v := range m.Vec {
			packed = protowire.AppendVarint(packed, v)
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if m.Transmitter != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Transmitter)
	}
	if m.Desc != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, m.Desc)
	}
	return b
}

// Unmarshal decodes a message, accepting both packed and unpacked vec encodings.
func (m *LeakageMsg) Unmarshal(b []byte) error {
	*m = LeakageMsg{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("bad vec field: %w", protowire.ParseError(n))
			}
			b = b[n:]
			for len(packed) > 0 {
				v, vn := protowire.ConsumeVarint(packed)
				if vn < 0 {
					return fmt.Errorf("bad vec element: %w", protowire.ParseError(vn))
				}
				m.Vec = append(m.Vec, v)
				packed = packed[vn:]
			}
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("bad vec element: %w", protowire.ParseError(n))
			}
			m.Vec = append(m.Vec, v)
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("bad transmitter field: %w", protowire.ParseError(n))
			}
			m.Transmitter = v
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("bad desc field: %w", protowire.ParseError(n))
			}
			m.Desc = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// WriteDelimited writes the message with a varint length prefix.
func WriteDelimited(w io.Writer, m *LeakageMsg) error {
	body := m.Marshal()
	var buf []byte
	buf = protowire.AppendVarint(buf, uint64(len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// ReadAllDelimited reads every length-delimited message in the buffer.
func ReadAllDelimited(b []byte) ([]*LeakageMsg, error) {
	var msgs []*LeakageMsg
	for len(b) > 0 {
		size, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("bad length prefix: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if uint64(len(b)) < size {
			return nil, fmt.Errorf("truncated message: want %d bytes, have %d", size, len(b))
		}
		m := &LeakageMsg{}
		if err := m.Unmarshal(b[:size]); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
		b = b[size:]
	}
	return msgs, nil
}

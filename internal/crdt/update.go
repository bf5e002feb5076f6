package crdt

import (
	"encoding/binary"
	"fmt"
)

// Binary layout of an update payload:
//
//	varuint opCount
//	per op: byte kind
//	  insert: varuint id.site, varuint id.seq, varuint origin.site,
//	          varuint origin.seq, varuint len(text), text bytes
//	  delete: varuint id.site, varuint id.seq, varuint target.site,
//	          varuint target.seq
//
// A state vector is: varuint entryCount, then per entry varuint site,
// varuint seq.

const maxTextLength = 1 << 20

func encodeOps(ops []op) []byte {
	buffer := binary.AppendUvarint(nil, uint64(len(ops)))
	for _, operation := range ops {
		buffer = append(buffer, operation.kind)
		buffer = binary.AppendUvarint(buffer, operation.id.Site)
		buffer = binary.AppendUvarint(buffer, operation.id.Seq)
		switch operation.kind {
		case opInsert:
			buffer = binary.AppendUvarint(buffer, operation.origin.Site)
			buffer = binary.AppendUvarint(buffer, operation.origin.Seq)
			buffer = binary.AppendUvarint(buffer, uint64(len(operation.text)))
			buffer = append(buffer, operation.text...)
		case opDelete:
			buffer = binary.AppendUvarint(buffer, operation.target.Site)
			buffer = binary.AppendUvarint(buffer, operation.target.Seq)
		}
	}
	return buffer
}

func decodeOps(payload []byte) ([]op, error) {
	reader := &byteReader{data: payload}
	count, err := reader.uvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: op count: %v", ErrInvalidUpdate, err)
	}
	ops := make([]op, 0, count)
	for index := uint64(0); index < count; index++ {
		kind, err := reader.byte()
		if err != nil {
			return nil, fmt.Errorf("%w: op kind: %v", ErrInvalidUpdate, err)
		}
		id, err := reader.id()
		if err != nil {
			return nil, fmt.Errorf("%w: op id: %v", ErrInvalidUpdate, err)
		}
		if id.Seq == 0 {
			return nil, fmt.Errorf("%w: zero sequence", ErrInvalidUpdate)
		}
		switch kind {
		case opInsert:
			origin, err := reader.id()
			if err != nil {
				return nil, fmt.Errorf("%w: origin: %v", ErrInvalidUpdate, err)
			}
			length, err := reader.uvarint()
			if err != nil {
				return nil, fmt.Errorf("%w: text length: %v", ErrInvalidUpdate, err)
			}
			if length > maxTextLength {
				return nil, fmt.Errorf("%w: text length %d exceeds limit", ErrInvalidUpdate, length)
			}
			text, err := reader.bytes(int(length))
			if err != nil {
				return nil, fmt.Errorf("%w: text: %v", ErrInvalidUpdate, err)
			}
			ops = append(ops, op{kind: opInsert, id: id, origin: origin, text: string(text)})
		case opDelete:
			target, err := reader.id()
			if err != nil {
				return nil, fmt.Errorf("%w: target: %v", ErrInvalidUpdate, err)
			}
			ops = append(ops, op{kind: opDelete, id: id, target: target})
		default:
			return nil, fmt.Errorf("%w: unknown op kind %d", ErrInvalidUpdate, kind)
		}
	}
	if reader.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidUpdate, reader.remaining())
	}
	return ops, nil
}

func encodeStateVector(vector map[uint64]uint64) []byte {
	buffer := binary.AppendUvarint(nil, uint64(len(vector)))
	for site, seq := range vector {
		buffer = binary.AppendUvarint(buffer, site)
		buffer = binary.AppendUvarint(buffer, seq)
	}
	return buffer
}

func decodeStateVector(payload []byte) (map[uint64]uint64, error) {
	reader := &byteReader{data: payload}
	count, err := reader.uvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: entry count: %v", ErrInvalidStateVector, err)
	}
	vector := make(map[uint64]uint64, count)
	for index := uint64(0); index < count; index++ {
		site, err := reader.uvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: site: %v", ErrInvalidStateVector, err)
		}
		seq, err := reader.uvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: seq: %v", ErrInvalidStateVector, err)
		}
		vector[site] = seq
	}
	if reader.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidStateVector, reader.remaining())
	}
	return vector, nil
}

// DecodeStateVector decodes an encoded state vector.
func DecodeStateVector(payload []byte) (map[uint64]uint64, error) {
	return decodeStateVector(payload)
}

type byteReader struct {
	data   []byte
	offset int
}

func (r *byteReader) remaining() int {
	return len(r.data) - r.offset
}

func (r *byteReader) byte() (byte, error) {
	if r.offset >= len(r.data) {
		return 0, fmt.Errorf("unexpected end of payload")
	}
	value := r.data[r.offset]
	r.offset++
	return value, nil
}

func (r *byteReader) uvarint() (uint64, error) {
	value, read := binary.Uvarint(r.data[r.offset:])
	if read <= 0 {
		return 0, fmt.Errorf("unexpected end of payload")
	}
	r.offset += read
	return value, nil
}

func (r *byteReader) bytes(length int) ([]byte, error) {
	if r.remaining() < length {
		return nil, fmt.Errorf("unexpected end of payload")
	}
	value := r.data[r.offset : r.offset+length]
	r.offset += length
	return value, nil
}

func (r *byteReader) id() (ID, error) {
	site, err := r.uvarint()
	if err != nil {
		return ID{}, err
	}
	seq, err := r.uvarint()
	if err != nil {
		return ID{}, err
	}
	return ID{Site: site, Seq: seq}, nil
}

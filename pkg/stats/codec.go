package stats

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Column is one flat key -> value table. Keys are kept in the order they
// appeared in the source object; position i is layer i.
type Column struct {
	Keys   []string
	Values []float64
}

// Len returns the number of layers in the column
func (c *Column) Len() int {
	return len(c.Values)
}

// Set overwrites layer i, appending a layer_<i> key when i is past the end
func (c *Column) Set(i int, v float64) {
	for len(c.Values) <= i {
		c.Keys = append(c.Keys, fmt.Sprintf("layer_%d", len(c.Values)))
		c.Values = append(c.Values, 0)
	}
	c.Values[i] = v
}

// Merge overwrites the first len(values) layers
func (c *Column) Merge(values []float64) {
	for i, v := range values {
		c.Set(i, v)
	}
}

func (c *Column) clone() *Column {
	keys := make([]string, len(c.Keys))
	copy(keys, c.Keys)
	values := make([]float64, len(c.Values))
	copy(values, c.Values)
	return &Column{Keys: keys, Values: values}
}

// DecodeColumn parses a JSON object of numbers preserving key order
func DecodeColumn(data []byte) (*Column, error) {
	iter := jsoniter.ConfigDefault.BorrowIterator(data)
	defer jsoniter.ConfigDefault.ReturnIterator(iter)

	col := &Column{}
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		return nil, fmt.Errorf("expected a JSON object")
	}

	iter.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		if it.WhatIsNext() != jsoniter.NumberValue {
			it.ReportError("DecodeColumn", fmt.Sprintf("value of %q is not a number", key))
			return false
		}
		col.Keys = append(col.Keys, key)
		col.Values = append(col.Values, it.ReadFloat64())
		return true
	})
	if iter.Error != nil {
		return nil, iter.Error
	}

	return col, nil
}

// EncodeColumn writes the column back as a JSON object in key order
func EncodeColumn(c *Column) ([]byte, error) {
	stream := jsoniter.ConfigDefault.BorrowStream(nil)
	defer jsoniter.ConfigDefault.ReturnStream(stream)

	stream.WriteObjectStart()
	for i, key := range c.Keys {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(key)
		stream.WriteFloat64(c.Values[i])
	}
	stream.WriteObjectEnd()

	if stream.Error != nil {
		return nil, stream.Error
	}

	out := make([]byte, len(stream.Buffer()))
	copy(out, stream.Buffer())
	return out, nil
}

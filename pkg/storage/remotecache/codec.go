// SPDX-License-Identifier: AGPL-3.0-only

package remotecache

import (
	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Codec converts values to and from the bytes stored in a Cache.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
}

func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var v T
	err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(b, &v)
	return v, err
}

// SnappyCodec compresses the output of the wrapped codec.
type SnappyCodec[T any] struct {
	Codec[T]
}

func (c SnappyCodec[T]) Encode(v T) ([]byte, error) {
	b, err := c.Codec.Encode(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, b), nil
}

func (c SnappyCodec[T]) Decode(cachedData []byte) (T, error) {
	b, err := snappy.Decode(nil, cachedData)
	if err != nil {
		var zero T
		return zero, errors.Wrap(err, "snappyCodec")
	}
	return c.Codec.Decode(b)
}

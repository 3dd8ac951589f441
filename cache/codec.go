package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/invokerpm/invokerpm/cache/indexdb"
)

// encodeValue serializes a value to canonical JSON bytes, gzip-compressing
// when requested.
func encodeValue(value any, compression indexdb.Compression) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("serializing value: %w", err)
	}

	if compression != indexdb.CompressionGzip {
		return data, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compressing value: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing value: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeValue reverses encodeValue, decompressing when needed.
func decodeValue(data []byte, compression indexdb.Compression) (any, error) {
	if compression == indexdb.CompressionGzip {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompressing value: %w", err)
		}
		defer func() { _ = zr.Close() }()

		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompressing value: %w", err)
		}
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("deserializing value: %w", err)
	}
	return value, nil
}

package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

var gzipMagic = []byte{0x1f, 0x8b}

// ShouldCompress reports whether an encoded record is worth gzipping.
func ShouldCompress(size int) bool {
	return size >= MinSizeForCompression
}

// CompressData compresses byte data using gzip
func CompressData(data []byte) ([]byte, error) {
	var compressed bytes.Buffer
	gzipWriter := gzip.NewWriter(&compressed)

	if _, err := gzipWriter.Write(data); err != nil {
		return nil, err
	}

	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}

	return compressed.Bytes(), nil
}

// DecompressData decompresses gzipped byte data
func DecompressData(data []byte) ([]byte, error) {
	gzipReader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gzipReader.Close()

	return io.ReadAll(gzipReader)
}

// EncodeMetadata serializes metadata to JSON, gzipping large records.
func EncodeMetadata(md Metadata) ([]byte, error) {
	data, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	if !ShouldCompress(len(data)) {
		return data, nil
	}

	compressed, err := CompressData(data)
	if err != nil || len(compressed) >= len(data) {
		return data, nil
	}
	return compressed, nil
}

// DecodeMetadata parses a stored record, plain or gzipped. Entries with an
// empty key or negative counters are dropped.
func DecodeMetadata(data []byte) (Metadata, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		plain, err := DecompressData(data)
		if err != nil {
			return nil, fmt.Errorf("decompress metadata: %w", err)
		}
		data = plain
	}

	var raw Metadata
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	md := make(Metadata, len(raw))
	for uri, e := range raw {
		if uri == "" || e.AccessCount < 0 || e.Timestamp < 0 {
			continue
		}
		e.URI = uri
		md[uri] = e
	}
	return md, nil
}

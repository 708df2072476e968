package vectorstore

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Embedding blob format: a 4-byte little-endian dimension header followed by
// dim little-endian float32 values. The format is part of the on-disk schema
// and must stay stable across releases.
const (
	blobHeaderSize = 4
	valueByteSize  = 4
)

// EncodeVector serializes an embedding into its blob form.
func EncodeVector(vector []float32) ([]byte, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("encode vector: empty vector")
	}

	blob := make([]byte, blobHeaderSize+len(vector)*valueByteSize)
	binary.LittleEndian.PutUint32(blob, uint32(len(vector)))
	for i, v := range vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("encode vector: non-finite value at index %d", i)
		}
		binary.LittleEndian.PutUint32(blob[blobHeaderSize+i*valueByteSize:], math.Float32bits(v))
	}
	return blob, nil
}

// DecodeVector parses a blob created by EncodeVector.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < blobHeaderSize {
		return nil, fmt.Errorf("decode vector: blob too short: %d bytes", len(blob))
	}
	dim := int(binary.LittleEndian.Uint32(blob))
	if dim <= 0 {
		return nil, fmt.Errorf("decode vector: invalid dimension %d", dim)
	}
	if want := blobHeaderSize + dim*valueByteSize; len(blob) != want {
		return nil, fmt.Errorf("decode vector: dimension %d does not match payload of %d bytes", dim, len(blob)-blobHeaderSize)
	}

	vector := make([]float32, dim)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[blobHeaderSize+i*valueByteSize:]))
	}
	return vector, nil
}

// CosineSimilarity scores two vectors in [-1, 1]. It is the deterministic
// similarity function behind Retrieve ordering.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("cosine similarity: empty vector")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine similarity: dimension mismatch: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("cosine similarity: zero-norm vector")
	}

	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, score)), nil
}

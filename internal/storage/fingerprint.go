package storage

import (
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/adverant/nexus/tableanalyst-worker/internal/dataset"
)

// FingerprintDims is the size of table schema fingerprints stored in Qdrant.
const FingerprintDims = 256

// Fingerprint hashes a table's schema (header words, header/type pairs and
// width) into a unit-length vector, so tables with similar headers land close
// together under cosine distance.
func Fingerprint(headers []string, types []dataset.ColumnType) []float32 {
	vec := make([]float64, FingerprintDims)

	add := func(feature string, weight float64) {
		h := xxhash.Sum64String(feature)
		idx := h % FingerprintDims
		if h&(1<<63) != 0 {
			weight = -weight
		}
		vec[idx] += weight
	}

	for i, h := range headers {
		name := normalizeHeader(h)
		if name == "" {
			continue
		}
		add("h:"+name, 1)
		for _, tok := range strings.Fields(name) {
			add("w:"+tok, 0.5)
		}
		if i < len(types) {
			add("t:"+name+":"+string(types[i]), 0.5)
		}
	}
	add("cols:"+widthBucket(len(headers)), 0.25)

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, FingerprintDims)
	for i, v := range vec {
		if norm > 0 {
			out[i] = float32(v / norm)
		}
	}
	return out
}

// normalizeHeader lowercases and collapses non-alphanumerics to single spaces.
// Placeholder names carry no meaning and normalise to "".
func normalizeHeader(h string) string {
	if strings.HasPrefix(h, "Column_") {
		return ""
	}
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(h) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space && b.Len() > 0 {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func widthBucket(n int) string {
	switch {
	case n <= 2:
		return "narrow"
	case n <= 6:
		return "medium"
	default:
		return "wide"
	}
}

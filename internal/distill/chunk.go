package distill

import (
	"fmt"
)

const (
	charsPerToken = 4
	minChunkBytes = 8 * 1024
	maxChunkBytes = 2 * 1024 * 1024
)

// Source is one synthesis input. Durable sources (the current memory
// document) are never dropped by chunk-cap truncation.
type Source struct {
	Path    string
	Content string
	Durable bool
}

// Chunk is one synthesiser call's worth of input.
type Chunk struct {
	SourcePath string
	Content    string
}

// chunkBudget derives the per-chunk byte budget: explicit when
// configured, otherwise modelContextTokens at 4 chars/token, clamped to
// [8 KiB, 2 MiB].
func chunkBudget(chunkBytes, modelContextTokens int64) int64 {
	if chunkBytes > 0 {
		return chunkBytes
	}
	budget := modelContextTokens * charsPerToken
	if budget < minChunkBytes {
		return minChunkBytes
	}
	if budget > maxChunkBytes {
		return maxChunkBytes
	}
	return budget
}

// PlanChunks splits the sources into bounded chunks. When the plan
// overflows maxChunks, oldest-first non-durable sources are dropped and
// warn is called with a note; durable sources always survive.
func PlanChunks(sources []Source, chunkBytes, modelContextTokens int64, maxChunks int, warn func(string)) []Chunk {
	budget := chunkBudget(chunkBytes, modelContextTokens)

	split := func(src Source) []Chunk {
		content := src.Content
		var out []Chunk
		for len(content) > 0 {
			n := int(budget)
			if n > len(content) {
				n = len(content)
			}
			out = append(out, Chunk{SourcePath: src.Path, Content: content[:n]})
			content = content[n:]
		}
		return out
	}

	perSource := make([][]Chunk, len(sources))
	total := 0
	for i, src := range sources {
		perSource[i] = split(src)
		total += len(perSource[i])
	}

	// Drop oldest-first non-durable sources until the plan fits.
	for total > maxChunks {
		dropped := false
		for i, src := range sources {
			if src.Durable || perSource[i] == nil {
				continue
			}
			total -= len(perSource[i])
			perSource[i] = nil
			warn(fmt.Sprintf("chunk plan overflow: dropped %s (max_chunks=%d)", src.Path, maxChunks))
			dropped = true
			break
		}
		if !dropped {
			break
		}
	}

	var out []Chunk
	for _, chunks := range perSource {
		out = append(out, chunks...)
	}
	if len(out) > maxChunks {
		warn(fmt.Sprintf("chunk plan still over cap after drops: truncating to %d chunks", maxChunks))
		out = out[:maxChunks]
	}
	return out
}

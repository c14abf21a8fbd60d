package schema

// ChunkKind classifies a chunk produced by a chunker.
type ChunkKind string

const (
	// ChunkCode is executable source.
	ChunkCode ChunkKind = "code"
	// ChunkComment is a group of line comments.
	ChunkComment ChunkKind = "comment"
	// ChunkBlockComment is a block comment rendered as markdown.
	ChunkBlockComment ChunkKind = "block_comment"
	// ChunkError is a syntax error found while chunking; Value holds the message.
	ChunkError ChunkKind = "error"
)

// Chunk is one executable unit of user input. The engine treats it as opaque.
type Chunk struct {
	Kind  ChunkKind `json:"kind"`
	Value string    `json:"value"`
	// Line is the 1-based line of the chunk within the submitted input.
	Line int `json:"line,omitempty"`
}

// CodeChunk builds a code chunk.
func CodeChunk(value string) Chunk {
	return Chunk{Kind: ChunkCode, Value: value}
}

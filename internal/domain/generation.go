package domain

// GenerateRequest is the provider-agnostic input of a streaming generation.
type GenerateRequest struct {
	Model           string
	System          string
	Turns           []Turn
	MaxOutputTokens int
}

// TokenStream is an incrementally consumed model response.
type TokenStream interface {
	// Next advances to the next chunk and reports whether one is available.
	Next() bool
	// Chunk returns the text of the current chunk.
	Chunk() string
	// Err returns the error that stopped iteration, if any.
	Err() error
	Close() error
}

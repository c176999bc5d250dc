package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"chatline/internal/domain"
)

type flusher interface {
	Flush()
}

// ChatReply is an open generation stream. The caller commits response
// headers from ThreadID and Model, then calls Stream exactly once.
type ChatReply struct {
	ThreadID string
	Model    string

	stream domain.TokenStream
	first  string

	onFirstByte func(ctx context.Context)
	onComplete  func(ctx context.Context, text string)

	mu       sync.Mutex
	streamed bool
}

// Stream copies every chunk to w unchanged, flushing after each one, while
// keeping a copy of the text. If the generator ends cleanly the assembled
// text is handed to the completion hook once. A write failure or a generator
// error discards the copy.
func (r *ChatReply) Stream(ctx context.Context, w io.Writer) error {
	r.mu.Lock()
	if r.streamed {
		r.mu.Unlock()
		return errors.New("usecase: reply already streamed")
	}
	r.streamed = true
	r.mu.Unlock()
	defer func() { _ = r.stream.Close() }()

	var buf strings.Builder
	wrote := false
	emit := func(chunk string) error {
		if _, err := io.WriteString(w, chunk); err != nil {
			return fmt.Errorf("usecase: write chunk: %w", err)
		}
		buf.WriteString(chunk)
		if f, ok := w.(flusher); ok {
			f.Flush()
		}
		if !wrote {
			wrote = true
			if r.onFirstByte != nil {
				r.onFirstByte(ctx)
			}
		}
		return nil
	}

	if r.first != "" {
		if err := emit(r.first); err != nil {
			slog.DebugContext(ctx, "client went away", "thread_id", r.ThreadID, "err", err)
			return err
		}
	}
	for r.stream.Next() {
		chunk := r.stream.Chunk()
		if chunk == "" {
			continue
		}
		if err := emit(chunk); err != nil {
			slog.DebugContext(ctx, "client went away", "thread_id", r.ThreadID, "err", err)
			return err
		}
	}
	if err := r.stream.Err(); err != nil {
		slog.WarnContext(ctx, "generation stream ended with error", "thread_id", r.ThreadID, "model", r.Model, "err", err)
		return fmt.Errorf("usecase: generation stream: %w", err)
	}

	if !wrote && r.onFirstByte != nil {
		r.onFirstByte(ctx)
	}
	if r.onComplete != nil {
		r.onComplete(ctx, buf.String())
	}
	return nil
}

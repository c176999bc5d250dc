package prompt

import (
	"context"
	"log/slog"
	"strings"

	"chatline/internal/domain"
)

// ImageFetcher turns a remote image reference into inline bytes.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (domain.Image, error)
}

// Normalizer converts client messages into canonical turns.
type Normalizer struct {
	fetcher ImageFetcher
}

// NewNormalizer returns a Normalizer. With a nil fetcher, image attachments
// that only have a remote URL are passed to the model by reference.
func NewNormalizer(f ImageFetcher) *Normalizer {
	return &Normalizer{fetcher: f}
}

// Normalize converts msgs to canonical turns. Attachment-derived parts are
// added to the final turn only. Each turn is ordered text, images, then
// non-image attachment references.
func (n *Normalizer) Normalize(ctx context.Context, msgs []domain.ChatMessage, attachments []domain.Attachment) []domain.Turn {
	turns := make([]domain.Turn, 0, len(msgs))
	for i, m := range msgs {
		var parts []domain.Part
		if m.Content != nil {
			parts = m.Content.Parts()
		}
		texts, images := splitParts(parts)
		var refs []domain.Part
		if i == len(msgs)-1 {
			attImages, attRefs := n.attachmentParts(ctx, attachments)
			images = append(images, attImages...)
			refs = attRefs
		}
		out := make([]domain.Part, 0, len(texts)+len(images)+len(refs))
		out = append(out, texts...)
		out = append(out, images...)
		out = append(out, refs...)
		if len(out) == 0 {
			out = []domain.Part{domain.TextPart("")}
		}
		turns = append(turns, domain.Turn{Role: m.Role, Parts: out})
	}
	return turns
}

func splitParts(parts []domain.Part) (texts, images []domain.Part) {
	for _, p := range parts {
		switch p.Type {
		case domain.PartText:
			texts = append(texts, p)
		case domain.PartImage:
			if p.Image != nil {
				images = append(images, p)
			}
		}
	}
	return texts, images
}

func (n *Normalizer) attachmentParts(ctx context.Context, attachments []domain.Attachment) (images, refs []domain.Part) {
	for _, a := range attachments {
		if !a.IsImage() {
			refs = append(refs, domain.TextPart(a.Name+": "+a.URL))
			continue
		}
		img, ok := n.resolveImage(ctx, a)
		if !ok {
			slog.DebugContext(ctx, "dropping image attachment", "name", a.Name)
			continue
		}
		images = append(images, domain.ImagePart(img))
	}
	return images, refs
}

// resolveImage prefers inline bytes, then a fetched copy of the remote URL.
func (n *Normalizer) resolveImage(ctx context.Context, a domain.Attachment) (domain.Image, bool) {
	for _, candidate := range []string{a.DataURL, a.URL} {
		if !strings.HasPrefix(candidate, "data:") {
			continue
		}
		img, err := domain.ParseDataURL(candidate)
		if err == nil {
			if img.MIMEType == "" {
				img.MIMEType = a.MIMEType
			}
			return img, true
		}
	}
	if a.URL == "" || strings.HasPrefix(a.URL, "data:") {
		return domain.Image{}, false
	}
	if n.fetcher == nil {
		return domain.Image{URL: a.URL, MIMEType: a.MIMEType}, true
	}
	img, err := n.fetcher.Fetch(ctx, a.URL)
	if err != nil {
		slog.DebugContext(ctx, "image fetch failed", "url", a.URL, "err", err)
		return domain.Image{}, false
	}
	if img.MIMEType == "" {
		img.MIMEType = a.MIMEType
	}
	return img, true
}

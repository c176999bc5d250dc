package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// tokenPayload is the JSON shape credentials are stored in.
type tokenPayload struct {
	Token string `json:"token"`
}

// Secret is a credential resolved from the parameter store on first use and
// reused for the lifetime of the process.
type Secret struct {
	getter Getter
	name   string

	once  sync.Once
	value string
	err   error
}

// NewSecret returns a Secret read from the named parameter.
func NewSecret(getter Getter, name string) *Secret {
	return &Secret{getter: getter, name: strings.TrimSpace(name)}
}

// Static returns an already-resolved Secret, e.g. one read from the environment.
func Static(value string) *Secret {
	s := &Secret{name: "static"}
	s.once.Do(func() {
		s.value = strings.TrimSpace(value)
		if s.value == "" {
			s.err = errors.New("paramstore: secret is not configured")
		}
	})
	return s
}

// Value returns the credential. Stored values may be raw strings or JSON of
// the form {"token": "..."}.
func (s *Secret) Value(ctx context.Context) (string, error) {
	s.once.Do(func() {
		s.value, s.err = fetch(ctx, s.getter, s.name)
	})
	return s.value, s.err
}

func fetch(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("paramstore: getter is nil")
	}
	if name == "" {
		return "", errors.New("paramstore: secret name is empty")
	}
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch secret: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var tp tokenPayload
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			return "", fmt.Errorf("paramstore: unmarshal secret %q as JSON: %w", name, err)
		}
		raw = strings.TrimSpace(tp.Token)
	}
	if raw == "" {
		return "", fmt.Errorf("paramstore: secret %q is empty", name)
	}
	return raw, nil
}

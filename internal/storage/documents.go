package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	logx "outagewatch/pkg/logx"
)

// Documents is a typed JSON view of one document kind.
type Documents[T any] struct {
	store Store
	kind  Kind
	log   logx.Logger
}

func NewDocuments[T any](store Store, kind Kind, log logx.Logger) *Documents[T] {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Documents[T]{store: store, kind: kind, log: log.With(logx.String("doc", string(kind)))}
}

// Load returns the stored document, or def when it is missing or malformed.
// In those two cases the backing document is overwritten with def, so a
// corrupt file heals on first load. Parse errors never reach the caller.
func (d *Documents[T]) Load(ctx context.Context, def T) T {
	raw, err := d.store.Read(ctx, d.kind)
	switch {
	case errors.Is(err, ErrNotFound):
		d.log.Info("document missing; writing default")
		d.heal(ctx, def)
		return def
	case err != nil:
		// unreadable but possibly intact; leave it alone
		d.log.Error("document read failed; using default", logx.Err(err))
		return def
	}

	v, err := decode[T](raw)
	if err != nil {
		d.log.Warn("document malformed; restoring default", logx.Err(err))
		d.heal(ctx, def)
		return def
	}
	return v
}

func (d *Documents[T]) heal(ctx context.Context, def T) {
	if err := d.Save(ctx, def); err != nil {
		d.log.Error("document restore failed", logx.Err(err))
	}
}

// Save overwrites the whole document with v.
func (d *Documents[T]) Save(ctx context.Context, v T) error {
	b, err := encode(v)
	if err != nil {
		return err
	}
	return d.store.Write(ctx, d.kind, b)
}

var errNullDocument = errors.New("document is null")

func decode[T any](raw []byte) (T, error) {
	var v T
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return v, errNullDocument
	}
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return v, err
	}
	return v, nil
}

// encode renders human-readable JSON with non-ASCII text kept verbatim.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

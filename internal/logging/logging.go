package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ComponentKey is the attribute used to tag records with their origin.
const ComponentKey = "component"

// New builds the process logger. Records tagged with a component listed in
// quiet are dropped unless they are at warn level or above.
func New(level, format string, quiet []string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	if len(quiet) > 0 {
		h = NewComponentFilter(h, quiet, slog.LevelWarn)
	}
	return slog.New(h), nil
}

// ComponentFilter drops records below min for the listed components.
type ComponentFilter struct {
	next      slog.Handler
	quiet     map[string]struct{}
	min       slog.Level
	component string
}

func NewComponentFilter(next slog.Handler, components []string, min slog.Level) *ComponentFilter {
	quiet := make(map[string]struct{}, len(components))
	for _, c := range components {
		quiet[c] = struct{}{}
	}
	return &ComponentFilter{next: next, quiet: quiet, min: min}
}

func (f *ComponentFilter) Enabled(ctx context.Context, lvl slog.Level) bool {
	if f.muted() && lvl < f.min {
		return false
	}
	return f.next.Enabled(ctx, lvl)
}

func (f *ComponentFilter) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < f.min && !f.muted() {
		muted := false
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == ComponentKey {
				_, muted = f.quiet[a.Value.String()]
				return false
			}
			return true
		})
		if muted {
			return nil
		}
	}
	return f.next.Handle(ctx, r)
}

func (f *ComponentFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *f
	clone.next = f.next.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == ComponentKey {
			clone.component = a.Value.String()
		}
	}
	return &clone
}

func (f *ComponentFilter) WithGroup(name string) slog.Handler {
	clone := *f
	clone.next = f.next.WithGroup(name)
	return &clone
}

func (f *ComponentFilter) muted() bool {
	if f.component == "" {
		return false
	}
	_, ok := f.quiet[f.component]
	return ok
}

// Component returns a child of the default logger tagged with name.
func Component(name string) *slog.Logger {
	return slog.Default().With(ComponentKey, name)
}

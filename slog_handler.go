// slog_handler.go: log/slog adapter
//
// Copyright (c) 2025 AGILira
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dbwriter

import (
	"context"
	"log/slog"
	"strings"
)

// Attribute keys that map onto record columns instead of the message.
const (
	AttrTarget = "target"
	AttrTaskID = "task_id"
)

type slogHandler struct {
	w      *Writer
	attrs  []slog.Attr
	prefix string // dotted group path for attribute keys
	target string // from WithAttrs, or the first group
}

func (h *slogHandler) Enabled(_ context.Context, l slog.Level) bool {
	return levelFromSlog(l) >= h.w.config.MinLevel
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	ev := Event{
		Time:   r.Time,
		Level:  levelFromSlog(r.Level),
		Target: h.target,
	}

	var msg strings.Builder
	msg.WriteString(r.Message)
	for _, a := range h.attrs {
		h.appendAttr(&ev, &msg, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&ev, &msg, h.prefix, a)
		return true
	})

	ev.Message = msg.String()
	h.w.Submit(ev)
	return nil
}

func (h *slogHandler) appendAttr(ev *Event, msg *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if prefix == "" {
		switch a.Key {
		case AttrTarget:
			ev.Target = a.Value.String()
			return
		case AttrTaskID:
			ev.TaskID = a.Value.String()
			return
		}
	}
	if a.Value.Kind() == slog.KindGroup {
		p := a.Key
		if prefix != "" && p != "" {
			p = prefix + "." + p
		} else if p == "" {
			p = prefix
		}
		for _, ga := range a.Value.Group() {
			h.appendAttr(ev, msg, p, ga)
		}
		return
	}
	msg.WriteByte(' ')
	if prefix != "" {
		msg.WriteString(prefix)
		msg.WriteByte('.')
	}
	msg.WriteString(a.Key)
	msg.WriteByte('=')
	msg.WriteString(a.Value.String())
}

// WithAttrs pre-resolves target and task_id so they do not need to be
// looked up on every record.
func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix == "" && a.Key == AttrTarget {
			h2.target = a.Value.String()
			continue
		}
		if h.prefix != "" {
			a = slog.Group(h.prefix, a)
		}
		h2.attrs = append(h2.attrs, a)
	}
	return &h2
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	if h2.prefix == "" {
		h2.prefix = name
		if h2.target == "" {
			h2.target = name
		}
	} else {
		h2.prefix += "." + name
	}
	return &h2
}

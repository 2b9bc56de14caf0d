// Package journal writes events as JSON lines, one event per line. It's the
// exporter to reach for when inspecting what a sync run produced.
package journal

import (
	"context"
	"encoding/json"
	"io"

	"github.com/depotsync/depotsync"
)

type Journal struct {
	writer io.Writer
	delim  []byte
}

type Option func(*Journal)

func WithDelim(delim []byte) Option {
	return func(j *Journal) {
		j.delim = delim
	}
}

func New(writer io.Writer, opts ...Option) *Journal {
	ret := &Journal{
		writer: writer,
		delim:  []byte("\n"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func (j *Journal) Export(ctx context.Context, events []depotsync.Event) error {
	for i := range events {
		line, err := json.Marshal(&events[i])
		if err != nil {
			return err
		}
		if _, err := j.writer.Write(append(line, j.delim...)); err != nil {
			return err
		}
	}
	return nil
}

package container

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
)

// Closer is a resource a command releases when its run ends, i.e: the SMTP session of a send worker.
type Closer interface {
	io.Closer

	Name() string
}

// NamedCloser closes the wrapped resource at most once.
type NamedCloser struct {
	name   string
	closer io.Closer
	once   sync.Once
	err    error
}

var _ Closer = (*NamedCloser)(nil)

func NewNamedCloser(name string, closer io.Closer) *NamedCloser {
	return &NamedCloser{
		name:   name,
		closer: closer,
	}
}

func (d *NamedCloser) Close() error {
	d.once.Do(func() {
		if d.closer != nil {
			d.err = d.closer.Close()
		}
	})

	return d.err
}

func (d *NamedCloser) Name() string {
	return d.name
}

// CloseAll closes closers in reverse order and returns every failure, each prefixed by its name.
func CloseAll(closers []Closer) (err error) {
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if c == nil {
			continue
		}

		if _err := c.Close(); _err != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", c.Name(), _err))
		}
	}

	return
}

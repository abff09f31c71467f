package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/erpsync/internal/erp"
	"github.com/loykin/erpsync/internal/store"
)

type captureSink struct {
	got []store.Change
	err error
}

func (c *captureSink) Send(_ context.Context, ch store.Change) error {
	c.got = append(c.got, ch)
	return c.err
}

func TestFanoutDeliversToAllSinks(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{err: errors.New("down")}
	c := &captureSink{}
	ch := store.Change{
		RunID:    "r1",
		Domain:   erp.DomainProducts,
		EntityID: "P1",
		Type:     store.ChangeFieldChanged,
		Field:    "price",
		OldValue: "10",
		NewValue: "12",
		At:       time.Now(),
	}
	Fanout(context.Background(), []Sink{a, b, c}, ch)
	for i, s := range []*captureSink{a, b, c} {
		if len(s.got) != 1 {
			t.Fatalf("sink %d received %d changes", i, len(s.got))
		}
		if s.got[0].EntityID != "P1" || s.got[0].NewValue != "12" {
			t.Fatalf("sink %d change mismatch: %+v", i, s.got[0])
		}
	}
}

func TestFanoutNoSinks(t *testing.T) {
	Fanout(context.Background(), nil, store.Change{})
}

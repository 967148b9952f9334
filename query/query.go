// Package query implements the actor query resolver (C2): a pure function
// from an actor query variant and a manager driver to a concrete actor id.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/rivetkit-go/rivetkit/driver"
)

// Kind discriminates the Query variant. Exactly one of the corresponding
// fields on Query is populated for a given Kind.
type Kind int

const (
	KindGetForID Kind = iota
	KindGetForKey
	KindGetOrCreateForKey
	KindCreate
)

// Query is a tagged variant describing how to obtain an actor id, mirroring
// spec.md §3's "Actor query". Unresolved queries are rewritten to
// KindGetForID after their first successful resolution (see Rewrite) so
// repeated resolutions by the same caller become O(1).
type Query struct {
	Kind Kind

	Name string // all kinds
	ID   string // KindGetForID
	Key  []string

	Input  []byte // KindGetOrCreateForKey, KindCreate
	Region string
}

// ErrResolveCreate is returned by Rewrite (and by callers like client.Handle
// that forbid it) when asked to treat a Create query as if it already
// identifies an existing actor — a create query never "resolves" to a
// pre-existing actor in the idempotent sense.
var ErrResolveCreate = errors.New("query: cannot resolve() a create query to a pre-existing actor id")

// Resolved is the outcome of resolving a Query against a driver.
type Resolved struct {
	ActorID string
	Created bool
}

// Resolve dispatches on q.Kind and returns the concrete actor id. It is a
// pure function of (query, driver) plus whatever side effects the driver's
// own Identity operations perform (e.g. GetOrCreateForKey may create a row).
func Resolve(ctx context.Context, namespace string, q Query, drv driver.Identity) (Resolved, error) {
	switch q.Kind {
	case KindGetForID:
		rec, err := drv.GetForID(ctx, namespace, q.ID)
		if err != nil {
			if errors.Is(err, driver.ErrNotFound) {
				return Resolved{}, fmt.Errorf("query: actor %q: %w", q.ID, ErrActorNotFound)
			}
			return Resolved{}, err
		}
		return Resolved{ActorID: rec.ActorID}, nil

	case KindGetForKey:
		rec, err := drv.GetWithKey(ctx, namespace, q.Name, q.Key)
		if err != nil {
			if errors.Is(err, driver.ErrNotFound) {
				return Resolved{}, fmt.Errorf("query: actor name=%q key=%v: %w", q.Name, q.Key, ErrActorNotFound)
			}
			return Resolved{}, err
		}
		return Resolved{ActorID: rec.ActorID}, nil

	case KindGetOrCreateForKey:
		rec, created, err := drv.GetOrCreateWithKey(ctx, namespace, driver.CreateInput{
			Name: q.Name, Key: q.Key, Input: q.Input, Region: q.Region,
		})
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{ActorID: rec.ActorID, Created: created}, nil

	case KindCreate:
		rec, err := drv.CreateActor(ctx, namespace, driver.CreateInput{
			Name: q.Name, Key: q.Key, Input: q.Input, Region: q.Region,
		})
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{ActorID: rec.ActorID, Created: true}, nil

	default:
		return Resolved{}, fmt.Errorf("query: invalid query kind %d", q.Kind)
	}
}

// Rewrite returns a copy of q rewritten to KindGetForID for actorID, the
// form every caller should hold after a first successful resolution so that
// subsequent resolutions are O(1) and idempotent. A Create query cannot be
// rewritten this way — ErrResolveCreate — because re-resolving it would
// silently change "always create" into "look up the thing I created last
// time", which is not what a repeated Create call means.
func Rewrite(q Query, actorID string) (Query, error) {
	if q.Kind == KindCreate {
		return Query{}, ErrResolveCreate
	}
	return Query{Kind: KindGetForID, ID: actorID}, nil
}

// ErrActorNotFound is returned (wrapped) when a GetForID/GetForKey query
// fails to resolve. It corresponds to spec.md §7's ActorNotFound.
var ErrActorNotFound = errors.New("actor not found")

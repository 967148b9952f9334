package driver

import "errors"

// ErrNotFound is returned by Identity operations that can miss: GetForID and
// GetWithKey. GetOrCreateWithKey and CreateActor never return it — they
// create on miss instead.
var ErrNotFound = errors.New("driver: actor not found")

// ErrTooManyIDs is returned by ListActors when more ids are requested than
// the manager HTTP API allows in one call (see spec §6.1: max 32).
var ErrTooManyIDs = errors.New("driver: too many actor ids requested")

// ErrInvalidListOptions is returned when ListOptions combines ActorIDs with
// Name/Key, or sets Key without Name.
var ErrInvalidListOptions = errors.New("driver: cannot combine actor_ids with name/key")

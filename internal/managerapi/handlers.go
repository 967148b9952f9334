package managerapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/driver"
)

const maxListIDs = 32

// actorResponse is the JSON shape of one actor identity, per spec.md §6.1:
// "actor_id, name, key (serialized), namespace_id, runner_name_selector,
// *_ts fields".
type actorResponse struct {
	ActorID            string                `json:"actor_id"`
	Name               string                `json:"name"`
	Key                []string              `json:"key"`
	NamespaceID        string                `json:"namespace_id"`
	RunnerNameSelector string                `json:"runner_name_selector,omitempty"`
	CreateTs           *int64                `json:"create_ts,omitempty"`
	StartTs            *int64                `json:"start_ts,omitempty"`
	ConnectableTs      *int64                `json:"connectable_ts,omitempty"`
	SleepTs            *int64                `json:"sleep_ts,omitempty"`
	DestroyTs          *int64                `json:"destroy_ts,omitempty"`
	Error              *terminalErrorPayload `json:"error,omitempty"`
}

type terminalErrorPayload struct {
	Group   string `json:"group"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func recordToResponse(rec driver.Record) actorResponse {
	resp := actorResponse{
		ActorID:            rec.ActorID,
		Name:               rec.Name,
		Key:                rec.Key,
		NamespaceID:        rec.NamespaceID,
		RunnerNameSelector: rec.RunnerNameSelector,
		CreateTs:           rec.CreateTs,
		StartTs:            rec.StartTs,
		ConnectableTs:      rec.ConnectableTs,
		SleepTs:            rec.SleepTs,
		DestroyTs:          rec.DestroyTs,
	}
	if rec.Error != nil {
		resp.Error = &terminalErrorPayload{Group: rec.Error.Group, Code: rec.Error.Code, Message: rec.Error.Message}
	}
	return resp
}

// handleBanner serves GET / with a human-readable banner.
func (a *API) handleBanner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("rivetkit manager\n"))
}

// handleHealth serves GET /health.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"status": "ok"})
}

// handleMetadata serves GET /metadata.
func (a *API) handleMetadata(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{
		"version":    a.version,
		"namespace":  a.namespace,
		"started_at": a.startedAt.UTC().Format(time.RFC3339),
	})
}

// handleNames serves GET /actors/names?namespace=.
func (a *API) handleNames(w http.ResponseWriter, r *http.Request) {
	ns := r.URL.Query().Get("namespace")
	if ns == "" {
		ns = a.namespace
	}
	Ok(w, envelope{"names": a.names.Names(ns)})
}

// handleListActors serves GET /actors?name=&actor_ids=&key=.
func (a *API) handleListActors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("name")
	var key []string
	if raw := q.Get("key"); raw != "" {
		key = strings.Split(raw, ",")
	}
	var actorIDs []string
	if raw := q.Get("actor_ids"); raw != "" {
		actorIDs = strings.Split(raw, ",")
	}

	if len(actorIDs) > 0 && (name != "" || len(key) > 0) {
		ErrBadRequest(w, "cannot combine actor_ids with name/key")
		return
	}
	if len(actorIDs) > maxListIDs {
		ErrBadRequest(w, "too many actor_ids requested (max 32)")
		return
	}
	if len(key) > 0 && name == "" {
		ErrBadRequest(w, "key requires name")
		return
	}

	records, err := a.driver.ListActors(r.Context(), a.namespace, driver.ListOptions{
		ActorIDs: actorIDs,
		Name:     name,
		Key:      key,
	})
	if err != nil {
		a.handleDriverError(w, err)
		return
	}

	out := make([]actorResponse, len(records))
	for i, rec := range records {
		out[i] = recordToResponse(rec)
	}
	Ok(w, envelope{"actors": out})
}

type createActorRequest struct {
	Name   string   `json:"name"`
	Key    []string `json:"key,omitempty"`
	Input  string   `json:"input,omitempty"` // base64-encoded CBOR
	Region string   `json:"region,omitempty"`
}

func (req *createActorRequest) toCreateInput() (driver.CreateInput, error) {
	input := driver.CreateInput{Name: req.Name, Key: req.Key, Region: req.Region}
	if req.Input != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.Input)
		if err != nil {
			return driver.CreateInput{}, errors.New("input must be base64-encoded CBOR")
		}
		input.Input = decoded
	}
	return input, nil
}

// handleGetOrCreate serves PUT /actors: get-or-create by (name, key).
func (a *API) handleGetOrCreate(w http.ResponseWriter, r *http.Request) {
	var req createActorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	input, err := req.toCreateInput()
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	rec, created, err := a.driver.GetOrCreateWithKey(r.Context(), a.namespace, input)
	if err != nil {
		a.handleDriverError(w, err)
		return
	}
	Ok(w, envelope{"actor": recordToResponse(rec), "created": created})
}

// handleCreateActor serves POST /actors: always creates, generating a key
// segment if the request omits one.
func (a *API) handleCreateActor(w http.ResponseWriter, r *http.Request) {
	var req createActorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	if len(req.Key) == 0 {
		req.Key = []string{a.genKey()}
	}
	input, err := req.toCreateInput()
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	rec, err := a.driver.CreateActor(r.Context(), a.namespace, input)
	if err != nil {
		a.handleDriverError(w, err)
		return
	}
	Created(w, envelope{"actor": recordToResponse(rec)})
}

func (a *API) handleDriverError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, driver.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, driver.ErrInvalidListOptions), errors.Is(err, driver.ErrTooManyIDs):
		ErrBadRequest(w, err.Error())
	default:
		a.logger.Error("manager api driver error", zap.Error(err))
		ErrInternal(w)
	}
}

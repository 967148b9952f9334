package managerapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/driver"
)

// NameRegistry enumerates the actor type names registered at build time for
// a namespace (spec.md §3: "name... chosen from a closed registry at build
// time"). A *StaticRegistry covers the common case of a fixed name list
// known at startup.
type NameRegistry interface {
	Names(namespace string) []string
}

// StaticRegistry is a NameRegistry over one fixed, namespace-independent
// list of names.
type StaticRegistry []string

func (r StaticRegistry) Names(namespace string) []string { return []string(r) }

// Config holds the dependencies needed to build the manager HTTP API router.
type Config struct {
	Driver    driver.Driver
	Names     NameRegistry
	Namespace string
	Version   string
	Logger    *zap.Logger
	// BearerToken, if set, requires the GET/PUT/POST /actors routes to carry
	// `Authorization: Bearer <jwt>`, an unexpired HS256 JWT signed with this
	// token (see authenticate). /, /health, /metadata and /actors/names are
	// not authenticated.
	BearerToken string
}

// API holds the manager HTTP API's handler state.
type API struct {
	driver    driver.Driver
	names     NameRegistry
	namespace string
	version   string
	logger    *zap.Logger
	startedAt time.Time
}

// NewRouter builds the chi router implementing spec.md §6.1.
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	names := cfg.Names
	if names == nil {
		names = StaticRegistry(nil)
	}

	a := &API{
		driver:    cfg.Driver,
		names:     names,
		namespace: cfg.Namespace,
		version:   cfg.Version,
		logger:    logger.Named("managerapi"),
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/", a.handleBanner)
	r.Get("/health", a.handleHealth)
	r.Get("/metadata", a.handleMetadata)
	r.Get("/actors/names", a.handleNames)

	authed := r.With(authenticate(cfg.BearerToken))
	authed.Get("/actors", a.handleListActors)
	authed.Put("/actors", a.handleGetOrCreate)
	authed.Post("/actors", a.handleCreateActor)

	return r
}

// genKey generates a random single-segment key for POST /actors requests
// that omit one.
func (a *API) genKey() string {
	return uuid.NewString()
}

package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	ratelimit "didregistry/internal/ratelimit/models"
	"didregistry/internal/subject/models"
	dErrors "didregistry/pkg/domain-errors"
	"didregistry/pkg/platform/httputil"
	"didregistry/pkg/platform/middleware/auth"
	"didregistry/pkg/platform/middleware/metadata"
	"didregistry/pkg/platform/middleware/request"
	"didregistry/pkg/platform/middleware/requesttime"
	"didregistry/pkg/requestcontext"
)

// Service defines the engine operations exposed over HTTP.
type Service interface {
	Register(ctx context.Context, caller models.Caller) (*models.Subject, error)
	Deactivate(ctx context.Context, caller models.Caller) error
	AddController(ctx context.Context, caller models.Caller, controller string) error
	RemoveController(ctx context.Context, caller models.Caller, controller string) error
	AddKey(ctx context.Context, caller models.Caller, key []byte, controller string) error
	DeactivateKey(ctx context.Context, caller models.Caller, key []byte) error
	AddNewAuthKey(ctx context.Context, caller models.Caller, key []byte, controller string) error
	SetAuthKey(ctx context.Context, caller models.Caller, key []byte) error
	DeactivateAuthKey(ctx context.Context, caller models.Caller, key []byte) error
	AddNewAuthKeyByController(ctx context.Context, caller models.Caller, target string, key []byte, controller string) error
	SetAuthKeyByController(ctx context.Context, caller models.Caller, target string, key []byte) error
	DeactivateAuthKeyByController(ctx context.Context, caller models.Caller, target string, key []byte) error
	AddService(ctx context.Context, caller models.Caller, svc models.Service) error
	UpdateService(ctx context.Context, caller models.Caller, svc models.Service) error
	RemoveService(ctx context.Context, caller models.Caller, serviceID string) error
	AddContext(ctx context.Context, caller models.Caller, contexts []string) error
	RemoveContext(ctx context.Context, caller models.Caller, contexts []string) error
	VerifySignature(ctx context.Context, caller models.Caller) error
	VerifyController(ctx context.Context, caller models.Caller, target string) error
	GetDocument(ctx context.Context, did string) (*models.Document, error)
}

// Handler serves subject and document endpoints.
type Handler struct {
	logger    *slog.Logger
	subjects  Service
	validator auth.HostTokenValidator
	limiter   RateLimiter
}

// RateLimiter wraps routes with a per-class request budget.
type RateLimiter interface {
	Limit(class ratelimit.Class) func(http.Handler) http.Handler
}

type Option func(*Handler)

func WithRateLimiter(limiter RateLimiter) Option {
	return func(h *Handler) {
		h.limiter = limiter
	}
}

func New(subjects Service, validator auth.HostTokenValidator, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		logger:    logger,
		subjects:  subjects,
		validator: validator,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) limit(class ratelimit.Class) func(http.Handler) http.Handler {
	if h.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return h.limiter.Limit(class)
}

// Register mounts the routes on r.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(request.Recovery(h.logger))
	router.Use(request.RequestID)
	router.Use(requesttime.Middleware)
	router.Use(metadata.ClientMetadata)

	router.With(h.limit(ratelimit.ClassRead)).Get("/documents/{did}", h.handleGetDocument)

	router.Group(func(r chi.Router) {
		r.Use(auth.RequireHost(h.validator, h.logger))
		r.Use(h.limit(ratelimit.ClassWrite))

		r.Post("/subjects", h.handleRegister)
		r.Route("/subjects/me", func(r chi.Router) {
			r.Delete("/", h.handleDeactivate)
			r.Post("/verify", h.handleVerifySignature)

			r.Post("/controllers", h.handleAddController)
			r.Delete("/controllers/{controller}", h.handleRemoveController)

			r.Post("/keys", h.handleAddKey)
			r.Post("/keys/deactivate", h.handleDeactivateKey)

			r.Post("/authentication", h.handleSetAuthKey)
			r.Post("/authentication/new", h.handleAddNewAuthKey)
			r.Post("/authentication/revoke", h.handleDeactivateAuthKey)

			r.Post("/services", h.handleAddService)
			r.Put("/services/{serviceID}", h.handleUpdateService)
			r.Delete("/services/{serviceID}", h.handleRemoveService)

			r.Post("/contexts", h.handleAddContext)
			r.Post("/contexts/remove", h.handleRemoveContext)
		})
		r.Route("/subjects/{did}", func(r chi.Router) {
			r.Post("/verify-controller", h.handleVerifyController)
			r.Post("/controller/authentication", h.handleSetAuthKeyByController)
			r.Post("/controller/authentication/new", h.handleAddNewAuthKeyByController)
			r.Post("/controller/authentication/revoke", h.handleDeactivateAuthKeyByController)
		})
	})

	r.Mount("/", router)
}

// caller reads the identity RequireHost put in the context.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (models.Caller, bool) {
	ctx := r.Context()
	host, ok := requestcontext.HostCaller(ctx)
	if !ok {
		// This should never happen if RequireHost middleware is configured correctly
		h.logger.ErrorContext(ctx, "host caller missing from context despite auth middleware",
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return models.Caller{}, false
	}
	return models.Caller{AccountID: host.AccountID, SigningKey: host.SigningKey}, true
}

// respond writes 204 on success or the mapped error.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, op string, err error) {
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ctx := r.Context()
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "subject operation failed",
			"operation", op,
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
	} else {
		h.logger.DebugContext(ctx, "subject operation rejected",
			"operation", op,
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
	}
	httputil.WriteError(w, err)
}

func (h *Handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.subjects.GetDocument(r.Context(), chi.URLParam(r, "did"))
	if err != nil {
		h.respond(w, r, "get_document", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, doc)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	subject, err := h.subjects.Register(r.Context(), caller)
	if err != nil {
		h.respond(w, r, "reg_did_using_account", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, RegisterResponse{ID: subject.ID.String(), Created: subject.Created})
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	h.respond(w, r, "deactivate_did", h.subjects.Deactivate(r.Context(), caller))
}

func (h *Handler) handleVerifySignature(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	h.respond(w, r, "verify_signature", h.subjects.VerifySignature(r.Context(), caller))
}

func (h *Handler) handleAddController(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[ControllerRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	h.respond(w, r, "add_controller", h.subjects.AddController(ctx, caller, req.Controller))
}

func (h *Handler) handleRemoveController(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	h.respond(w, r, "remove_controller", h.subjects.RemoveController(r.Context(), caller, chi.URLParam(r, "controller")))
}

// withKey decodes a KeyRequest for the authenticated caller and runs fn.
func (h *Handler) withKey(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, caller models.Caller, req *KeyRequest) error) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[KeyRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	h.respond(w, r, op, fn(ctx, caller, req))
}

func (h *Handler) handleAddKey(w http.ResponseWriter, r *http.Request) {
	h.withKey(w, r, "add_key", func(ctx context.Context, caller models.Caller, req *KeyRequest) error {
		return h.subjects.AddKey(ctx, caller, req.key, req.Controller)
	})
}

func (h *Handler) handleDeactivateKey(w http.ResponseWriter, r *http.Request) {
	h.withKey(w, r, "deactivate_key", func(ctx context.Context, caller models.Caller, req *KeyRequest) error {
		return h.subjects.DeactivateKey(ctx, caller, req.key)
	})
}

func (h *Handler) handleAddNewAuthKey(w http.ResponseWriter, r *http.Request) {
	h.withKey(w, r, "add_new_auth_key", func(ctx context.Context, caller models.Caller, req *KeyRequest) error {
		return h.subjects.AddNewAuthKey(ctx, caller, req.key, req.Controller)
	})
}

func (h *Handler) handleSetAuthKey(w http.ResponseWriter, r *http.Request) {
	h.withKey(w, r, "set_auth_key", func(ctx context.Context, caller models.Caller, req *KeyRequest) error {
		return h.subjects.SetAuthKey(ctx, caller, req.key)
	})
}

func (h *Handler) handleDeactivateAuthKey(w http.ResponseWriter, r *http.Request) {
	h.withKey(w, r, "deactivate_auth_key", func(ctx context.Context, caller models.Caller, req *KeyRequest) error {
		return h.subjects.DeactivateAuthKey(ctx, caller, req.key)
	})
}

func (h *Handler) handleAddNewAuthKeyByController(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "did")
	h.withKey(w, r, "add_new_auth_key_by_controller", func(ctx context.Context, caller models.Caller, req *KeyRequest) error {
		return h.subjects.AddNewAuthKeyByController(ctx, caller, target, req.key, req.Controller)
	})
}

func (h *Handler) handleSetAuthKeyByController(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "did")
	h.withKey(w, r, "set_auth_key_by_controller", func(ctx context.Context, caller models.Caller, req *KeyRequest) error {
		return h.subjects.SetAuthKeyByController(ctx, caller, target, req.key)
	})
}

func (h *Handler) handleDeactivateAuthKeyByController(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "did")
	h.withKey(w, r, "deactivate_auth_key_by_controller", func(ctx context.Context, caller models.Caller, req *KeyRequest) error {
		return h.subjects.DeactivateAuthKeyByController(ctx, caller, target, req.key)
	})
}

func (h *Handler) handleVerifyController(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	h.respond(w, r, "verify_controller", h.subjects.VerifyController(r.Context(), caller, chi.URLParam(r, "did")))
}

func (h *Handler) handleAddService(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[ServiceRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	h.respond(w, r, "add_service", h.subjects.AddService(ctx, caller, req.toModel()))
}

func (h *Handler) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[ServiceRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	if req.ID != chi.URLParam(r, "serviceID") {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "service id in body must match the path"))
		return
	}
	h.respond(w, r, "update_service", h.subjects.UpdateService(ctx, caller, req.toModel()))
}

func (h *Handler) handleRemoveService(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	h.respond(w, r, "remove_service", h.subjects.RemoveService(r.Context(), caller, chi.URLParam(r, "serviceID")))
}

func (h *Handler) handleAddContext(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[ContextRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	h.respond(w, r, "add_context", h.subjects.AddContext(ctx, caller, req.Contexts))
}

func (h *Handler) handleRemoveContext(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[ContextRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	h.respond(w, r, "remove_context", h.subjects.RemoveContext(ctx, caller, req.Contexts))
}

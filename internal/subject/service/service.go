package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store,DocumentCache,AuditPublisher

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"didregistry/internal/subject/metrics"
	"didregistry/internal/subject/models"
	id "didregistry/pkg/domain"
	dErrors "didregistry/pkg/domain-errors"
	"didregistry/pkg/platform/audit"
	"didregistry/pkg/platform/sentinel"
	platformstrings "didregistry/pkg/platform/strings"
	"didregistry/pkg/requestcontext"
)

// Operation names double as audit actions and metric labels.
const (
	OpRegister                      = "reg_did_using_account"
	OpDeactivate                    = "deactivate_did"
	OpAddController                 = "add_controller"
	OpRemoveController              = "remove_controller"
	OpAddKey                        = "add_key"
	OpDeactivateKey                 = "deactivate_key"
	OpAddNewAuthKey                 = "add_new_auth_key"
	OpSetAuthKey                    = "set_auth_key"
	OpDeactivateAuthKey             = "deactivate_auth_key"
	OpAddNewAuthKeyByController     = "add_new_auth_key_by_controller"
	OpSetAuthKeyByController        = "set_auth_key_by_controller"
	OpDeactivateAuthKeyByController = "deactivate_auth_key_by_controller"
	OpAddService                    = "add_service"
	OpUpdateService                 = "update_service"
	OpRemoveService                 = "remove_service"
	OpAddContext                    = "add_context"
	OpRemoveContext                 = "remove_context"
	OpVerifySignature               = "verify_signature"
	OpVerifyController              = "verify_controller"
	OpGetDocument                   = "get_document"
)

// Store persists subjects. Execute must run fn on a private copy under the
// subject's exclusive lock and commit it only when fn returns nil.
type Store interface {
	Create(ctx context.Context, subject *models.Subject) error
	FindByID(ctx context.Context, subjectID id.SubjectID) (*models.Subject, error)
	Execute(ctx context.Context, subjectID id.SubjectID, fn func(*models.Subject) error) (*models.Subject, error)
}

// DocumentCache holds assembled documents. Every Invalidate advances the
// subject's generation, and Set stores a document only while the generation
// it was read under is still current.
type DocumentCache interface {
	Get(ctx context.Context, subjectID id.SubjectID) (*models.Document, bool, error)
	Generation(ctx context.Context, subjectID id.SubjectID) (int64, error)
	Set(ctx context.Context, subjectID id.SubjectID, generation int64, doc *models.Document) (bool, error)
	Invalidate(ctx context.Context, subjectID id.SubjectID) error
}

type AuditPublisher interface {
	Publish(ctx context.Context, event audit.Event)
}

// Service is the authorization and key-lifecycle engine. Every mutation is
// authorized and applied inside a single Store.Execute, so a rejected call
// leaves no trace and an accepted one emits exactly one audit event.
type Service struct {
	subjects       Store
	cache          DocumentCache
	auditPublisher AuditPublisher
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithDocumentCache(cache DocumentCache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New constructs a Service.
func New(subjects Store, opts ...Option) *Service {
	s := &Service{
		subjects: subjects,
		logger:   slog.Default(),
		tracer:   otel.Tracer("didregistry/internal/subject/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates the caller's subject seeded with the signing key.
func (s *Service) Register(ctx context.Context, caller models.Caller) (*models.Subject, error) {
	ctx, span := s.tracer.Start(ctx, OpRegister)
	defer span.End()
	start := time.Now()

	subjectID, err := caller.Subject()
	if err != nil {
		return nil, s.fail(ctx, span, OpRegister, err, start)
	}
	span.SetAttributes(attribute.String("did", subjectID.String()))

	subject, err := models.NewSubject(subjectID, caller.SigningKey, requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			err = dErrors.New(dErrors.CodeValidation, err.Error())
		}
		return nil, s.fail(ctx, span, OpRegister, err, start)
	}

	if err := s.subjects.Create(ctx, subject); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			err = s.registrationConflict(ctx, subjectID)
		} else {
			err = dErrors.Wrap(err, dErrors.CodeInternal, "failed to create subject")
		}
		return nil, s.fail(ctx, span, OpRegister, err, start)
	}

	s.committed(ctx, span, OpRegister, subjectID, nil, start)
	return subject, nil
}

// registrationConflict tells a live subject apart from a deactivated one,
// which can never be registered again.
func (s *Service) registrationConflict(ctx context.Context, subjectID id.SubjectID) error {
	existing, err := s.subjects.FindByID(ctx, subjectID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load subject")
	}
	if existing.IsValid() {
		return models.ErrSubjectExists
	}
	return models.ErrSubjectNotValid
}

// Deactivate permanently retires the caller's subject.
func (s *Service) Deactivate(ctx context.Context, caller models.Caller) error {
	return s.updateSelf(ctx, OpDeactivate, caller, nil, func(sub *models.Subject) error {
		if err := sub.CanDeactivate(); err != nil {
			return err
		}
		sub.ApplyDeactivation()
		return nil
	})
}

func (s *Service) AddController(ctx context.Context, caller models.Caller, controller string) error {
	controllerID, err := id.ParseSubjectID(controller)
	if err != nil {
		return s.reject(ctx, OpAddController, err)
	}
	fields := []audit.Field{audit.F("controller", controllerID.String())}
	return s.updateSelf(ctx, OpAddController, caller, fields, func(sub *models.Subject) error {
		return sub.AddController(controllerID)
	})
}

func (s *Service) RemoveController(ctx context.Context, caller models.Caller, controller string) error {
	fields := []audit.Field{audit.F("controller", controller)}
	return s.updateSelf(ctx, OpRemoveController, caller, fields, func(sub *models.Subject) error {
		return sub.Controllers.Remove(id.SubjectID(controller))
	})
}

// AddKey lists a new key. An empty controller means the caller's subject.
func (s *Service) AddKey(ctx context.Context, caller models.Caller, key []byte, controller string) error {
	controllerID, err := s.keyController(caller, controller)
	if err != nil {
		return s.reject(ctx, OpAddKey, err)
	}
	fields := []audit.Field{audit.F("public key", base58.Encode(key)), audit.F("controller", controllerID.String())}
	return s.updateSelf(ctx, OpAddKey, caller, fields, func(sub *models.Subject) error {
		_, err := sub.Keys.AddKey(key, controllerID)
		return err
	})
}

func (s *Service) DeactivateKey(ctx context.Context, caller models.Caller, key []byte) error {
	fields := []audit.Field{audit.F("public key", base58.Encode(key))}
	return s.updateSelf(ctx, OpDeactivateKey, caller, fields, func(sub *models.Subject) error {
		return sub.DeactivateKey(key)
	})
}

// AddNewAuthKey appends an authentication-only key. An empty controller means
// the caller's subject.
func (s *Service) AddNewAuthKey(ctx context.Context, caller models.Caller, key []byte, controller string) error {
	controllerID, err := s.keyController(caller, controller)
	if err != nil {
		return s.reject(ctx, OpAddNewAuthKey, err)
	}
	fields := []audit.Field{audit.F("public key", base58.Encode(key)), audit.F("controller", controllerID.String())}
	return s.updateSelf(ctx, OpAddNewAuthKey, caller, fields, func(sub *models.Subject) error {
		return sub.AddAuthKey(key, controllerID)
	})
}

func (s *Service) SetAuthKey(ctx context.Context, caller models.Caller, key []byte) error {
	fields := []audit.Field{audit.F("public key", base58.Encode(key))}
	return s.updateSelf(ctx, OpSetAuthKey, caller, fields, func(sub *models.Subject) error {
		return sub.GrantAuthentication(key)
	})
}

func (s *Service) DeactivateAuthKey(ctx context.Context, caller models.Caller, key []byte) error {
	fields := []audit.Field{audit.F("public key", base58.Encode(key))}
	return s.updateSelf(ctx, OpDeactivateAuthKey, caller, fields, func(sub *models.Subject) error {
		return sub.RevokeAuthentication(key)
	})
}

// AddNewAuthKeyByController appends an authentication-only key to target on
// behalf of one of its controllers. An empty controller means target itself.
func (s *Service) AddNewAuthKeyByController(ctx context.Context, caller models.Caller, target string, key []byte, controller string) error {
	targetID, err := id.ParseSubjectID(target)
	if err != nil {
		return s.reject(ctx, OpAddNewAuthKeyByController, err)
	}
	keyController := targetID
	if controller != "" {
		if keyController, err = id.ParseSubjectID(controller); err != nil {
			return s.reject(ctx, OpAddNewAuthKeyByController, err)
		}
	}
	fields := []audit.Field{audit.F("public key", base58.Encode(key)), audit.F("controller", keyController.String())}
	return s.updateByController(ctx, OpAddNewAuthKeyByController, caller, targetID, fields, func(sub *models.Subject) error {
		return sub.AddAuthKey(key, keyController)
	})
}

func (s *Service) SetAuthKeyByController(ctx context.Context, caller models.Caller, target string, key []byte) error {
	targetID, err := id.ParseSubjectID(target)
	if err != nil {
		return s.reject(ctx, OpSetAuthKeyByController, err)
	}
	fields := []audit.Field{audit.F("public key", base58.Encode(key))}
	return s.updateByController(ctx, OpSetAuthKeyByController, caller, targetID, fields, func(sub *models.Subject) error {
		return sub.GrantAuthentication(key)
	})
}

func (s *Service) DeactivateAuthKeyByController(ctx context.Context, caller models.Caller, target string, key []byte) error {
	targetID, err := id.ParseSubjectID(target)
	if err != nil {
		return s.reject(ctx, OpDeactivateAuthKeyByController, err)
	}
	fields := []audit.Field{audit.F("public key", base58.Encode(key))}
	return s.updateByController(ctx, OpDeactivateAuthKeyByController, caller, targetID, fields, func(sub *models.Subject) error {
		return sub.RevokeAuthentication(key)
	})
}

func (s *Service) AddService(ctx context.Context, caller models.Caller, svc models.Service) error {
	if err := svc.Validate(); err != nil {
		return s.reject(ctx, OpAddService, err)
	}
	fields := []audit.Field{audit.F("service id", svc.ID)}
	return s.updateSelf(ctx, OpAddService, caller, fields, func(sub *models.Subject) error {
		return sub.Services.Add(svc)
	})
}

func (s *Service) UpdateService(ctx context.Context, caller models.Caller, svc models.Service) error {
	if err := svc.Validate(); err != nil {
		return s.reject(ctx, OpUpdateService, err)
	}
	fields := []audit.Field{audit.F("service id", svc.ID)}
	return s.updateSelf(ctx, OpUpdateService, caller, fields, func(sub *models.Subject) error {
		return sub.Services.Update(svc)
	})
}

func (s *Service) RemoveService(ctx context.Context, caller models.Caller, serviceID string) error {
	fields := []audit.Field{audit.F("service id", serviceID)}
	return s.updateSelf(ctx, OpRemoveService, caller, fields, func(sub *models.Subject) error {
		return sub.Services.Remove(serviceID)
	})
}

// AddContext appends the contexts the subject does not list yet.
func (s *Service) AddContext(ctx context.Context, caller models.Caller, contexts []string) error {
	contexts = platformstrings.DedupeAndTrim(contexts)
	if len(contexts) == 0 {
		return s.reject(ctx, OpAddContext, dErrors.New(dErrors.CodeValidation, "at least one context is required"))
	}
	fields := []audit.Field{audit.F("context", formatList(contexts))}
	return s.updateSelf(ctx, OpAddContext, caller, fields, func(sub *models.Subject) error {
		sub.Contexts = platformstrings.AppendUnique(sub.Contexts, contexts...)
		return nil
	})
}

// RemoveContext drops the listed contexts that are present; absent ones are
// ignored.
func (s *Service) RemoveContext(ctx context.Context, caller models.Caller, contexts []string) error {
	contexts = platformstrings.DedupeAndTrim(contexts)
	if len(contexts) == 0 {
		return s.reject(ctx, OpRemoveContext, dErrors.New(dErrors.CodeValidation, "at least one context is required"))
	}
	fields := []audit.Field{audit.F("context", formatList(contexts))}
	return s.updateSelf(ctx, OpRemoveContext, caller, fields, func(sub *models.Subject) error {
		sub.Contexts = platformstrings.RemoveAll(sub.Contexts, contexts...)
		return nil
	})
}

// VerifySignature succeeds when the caller may act as its own subject.
func (s *Service) VerifySignature(ctx context.Context, caller models.Caller) error {
	ctx, span := s.tracer.Start(ctx, OpVerifySignature)
	defer span.End()
	start := time.Now()

	subjectID, err := caller.Subject()
	if err != nil {
		return s.fail(ctx, span, OpVerifySignature, err, start)
	}
	subject, err := s.load(ctx, subjectID)
	if err != nil {
		return s.fail(ctx, span, OpVerifySignature, err, start)
	}
	if err := models.AuthorizeSelf(subject, caller.SigningKey); err != nil {
		return s.fail(ctx, span, OpVerifySignature, err, start)
	}
	s.observe(OpVerifySignature, nil, start)
	return nil
}

// VerifyController succeeds when the caller may act as a controller of target.
func (s *Service) VerifyController(ctx context.Context, caller models.Caller, target string) error {
	ctx, span := s.tracer.Start(ctx, OpVerifyController)
	defer span.End()
	start := time.Now()

	targetID, err := id.ParseSubjectID(target)
	if err != nil {
		return s.fail(ctx, span, OpVerifyController, err, start)
	}
	controller, err := s.loadController(ctx, caller)
	if err != nil {
		return s.fail(ctx, span, OpVerifyController, err, start)
	}
	subject, err := s.load(ctx, targetID)
	if err != nil {
		return s.fail(ctx, span, OpVerifyController, err, start)
	}
	if err := models.AuthorizeController(subject, controller, caller.SigningKey); err != nil {
		return s.fail(ctx, span, OpVerifyController, err, start)
	}
	s.observe(OpVerifyController, nil, start)
	return nil
}

// GetDocument returns the public document of a Valid subject, consulting the
// document cache first.
func (s *Service) GetDocument(ctx context.Context, did string) (*models.Document, error) {
	ctx, span := s.tracer.Start(ctx, OpGetDocument)
	defer span.End()
	start := time.Now()

	subjectID, err := id.ParseSubjectID(did)
	if err != nil {
		return nil, s.fail(ctx, span, OpGetDocument, err, start)
	}
	span.SetAttributes(attribute.String("did", subjectID.String()))

	if doc, ok := s.cachedDocument(ctx, subjectID); ok {
		s.observe(OpGetDocument, nil, start)
		return doc, nil
	}
	generation, fill := s.cacheGeneration(ctx, subjectID)

	subject, err := s.subjects.FindByID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			err = models.ErrDocumentNotFound
		} else {
			err = translateStoreError(err)
		}
		return nil, s.fail(ctx, span, OpGetDocument, err, start)
	}
	doc, err := models.Assemble(subject)
	if err != nil {
		return nil, s.fail(ctx, span, OpGetDocument, err, start)
	}

	if fill {
		s.fillCache(ctx, subjectID, generation, doc)
	}
	s.observe(OpGetDocument, nil, start)
	return doc, nil
}

func (s *Service) cachedDocument(ctx context.Context, subjectID id.SubjectID) (*models.Document, bool) {
	if s.cache == nil {
		return nil, false
	}
	doc, ok, err := s.cache.Get(ctx, subjectID)
	switch {
	case err != nil:
		s.incCache("error")
		s.logger.WarnContext(ctx, "document cache lookup failed",
			"error", err,
			"did", subjectID.String(),
			"request_id", requestcontext.RequestID(ctx),
		)
		return nil, false
	case ok:
		s.incCache("hit")
		return doc, true
	default:
		s.incCache("miss")
		return nil, false
	}
}

// cacheGeneration reads the subject's cache generation before the store is
// consulted. The fill is skipped when the generation is unknown.
func (s *Service) cacheGeneration(ctx context.Context, subjectID id.SubjectID) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	generation, err := s.cache.Generation(ctx, subjectID)
	if err != nil {
		s.incCache("error")
		s.logger.WarnContext(ctx, "document cache generation lookup failed",
			"error", err,
			"did", subjectID.String(),
			"request_id", requestcontext.RequestID(ctx),
		)
		return 0, false
	}
	return generation, true
}

// fillCache stores doc unless a mutation committed since generation was read.
func (s *Service) fillCache(ctx context.Context, subjectID id.SubjectID, generation int64, doc *models.Document) {
	stored, err := s.cache.Set(ctx, subjectID, generation, doc)
	switch {
	case err != nil:
		s.logger.WarnContext(ctx, "failed to cache document",
			"error", err,
			"did", subjectID.String(),
			"request_id", requestcontext.RequestID(ctx),
		)
	case !stored:
		s.incCache("stale")
	}
}

// updateSelf authorizes the caller against its own subject and applies fn.
func (s *Service) updateSelf(ctx context.Context, op string, caller models.Caller, fields []audit.Field, fn func(*models.Subject) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	defer span.End()
	start := time.Now()

	subjectID, err := caller.Subject()
	if err != nil {
		return s.fail(ctx, span, op, err, start)
	}
	span.SetAttributes(attribute.String("did", subjectID.String()))

	now := requestcontext.Now(ctx)
	_, err = s.subjects.Execute(ctx, subjectID, func(sub *models.Subject) error {
		if err := models.AuthorizeSelf(sub, caller.SigningKey); err != nil {
			return err
		}
		return apply(sub, now, fn)
	})
	if err != nil {
		return s.fail(ctx, span, op, translateStoreError(err), start)
	}
	s.committed(ctx, span, op, subjectID, fields, start)
	return nil
}

// updateByController authorizes the caller as a controller of target and
// applies fn to target. The controller is read outside target's lock; its
// authority is rechecked against the target's controller set inside it.
func (s *Service) updateByController(ctx context.Context, op string, caller models.Caller, targetID id.SubjectID, fields []audit.Field, fn func(*models.Subject) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	defer span.End()
	start := time.Now()
	span.SetAttributes(attribute.String("did", targetID.String()))

	controller, err := s.loadController(ctx, caller)
	if err != nil {
		return s.fail(ctx, span, op, err, start)
	}

	now := requestcontext.Now(ctx)
	_, err = s.subjects.Execute(ctx, targetID, func(sub *models.Subject) error {
		if err := models.AuthorizeController(sub, controller, caller.SigningKey); err != nil {
			return err
		}
		return apply(sub, now, fn)
	})
	if err != nil {
		return s.fail(ctx, span, op, translateStoreError(err), start)
	}
	s.committed(ctx, span, op, targetID, fields, start)
	return nil
}

// apply runs fn and stamps Updated unless fn retired the subject.
func apply(sub *models.Subject, now time.Time, fn func(*models.Subject) error) error {
	if err := fn(sub); err != nil {
		return err
	}
	if sub.IsValid() {
		sub.Touch(now)
	}
	return nil
}

func (s *Service) load(ctx context.Context, subjectID id.SubjectID) (*models.Subject, error) {
	subject, err := s.subjects.FindByID(ctx, subjectID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	return subject, nil
}

func (s *Service) loadController(ctx context.Context, caller models.Caller) (*models.Subject, error) {
	controllerID, err := caller.Subject()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, controllerID)
}

func (s *Service) keyController(caller models.Caller, controller string) (id.SubjectID, error) {
	if controller == "" {
		return caller.Subject()
	}
	return id.ParseSubjectID(controller)
}

// committed records an accepted mutation: one log line, one audit event and
// a dropped cache entry.
func (s *Service) committed(ctx context.Context, span trace.Span, op string, subjectID id.SubjectID, fields []audit.Field, start time.Time) {
	event := audit.Event{
		Timestamp: requestcontext.Now(ctx),
		Subject:   subjectID.String(),
		Action:    op,
		Fields:    fields,
		RequestID: requestcontext.RequestID(ctx),
	}
	s.logAudit(ctx, event)
	if s.auditPublisher != nil {
		s.auditPublisher.Publish(ctx, event)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, subjectID); err != nil {
			s.logger.WarnContext(ctx, "failed to invalidate cached document",
				"error", err,
				"did", subjectID.String(),
				"request_id", event.RequestID,
			)
		}
	}
	span.SetStatus(codes.Ok, "")
	s.observe(op, nil, start)
}

func (s *Service) logAudit(ctx context.Context, event audit.Event) {
	if s.logger == nil {
		return
	}
	s.logger.InfoContext(ctx, event.LogLine(),
		"event", event.Action,
		"did", event.Subject,
		"request_id", event.RequestID,
		"log_type", "audit",
	)
}

// reject records a call refused before any tracing or storage work.
func (s *Service) reject(ctx context.Context, op string, err error) error {
	_, span := s.tracer.Start(ctx, op)
	defer span.End()
	return s.fail(ctx, span, op, err, time.Now())
}

func (s *Service) fail(ctx context.Context, span trace.Span, op string, err error, start time.Time) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	s.observe(op, err, start)
	if outcome(err) == metrics.OutcomeError {
		s.logger.ErrorContext(ctx, "subject operation failed",
			"operation", op,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	return err
}

func (s *Service) observe(op string, err error, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveOperation(op, outcome(err), start)
}

func (s *Service) incCache(result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncDocumentCache(result)
}

func outcome(err error) string {
	if err == nil {
		return metrics.OutcomeOK
	}
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInternal, dErrors.CodeTimeout:
		return metrics.OutcomeError
	default:
		return metrics.OutcomeRejected
	}
}

// translateStoreError maps storage sentinels onto domain errors. Domain
// errors raised inside Execute pass through unchanged.
func translateStoreError(err error) error {
	var de *dErrors.Error
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return models.ErrSubjectNotFound
	case errors.As(err, &de):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "subject operation timed out")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update subject")
	}
}

func formatList(values []string) string {
	return "[" + strings.Join(values, ", ") + "]"
}

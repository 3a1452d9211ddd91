package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"didregistry/internal/subject/metrics"
	"didregistry/internal/subject/models"
	"didregistry/internal/subject/store"
	id "didregistry/pkg/domain"
	dErrors "didregistry/pkg/domain-errors"
	"didregistry/pkg/platform/audit"
	"didregistry/pkg/requestcontext"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []audit.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e audit.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.LogLine()
	}
	return out
}

var (
	bobKey   = []byte{0, 0xb0, 0xb0}
	carolKey = []byte{0, 0xca, 0xca}
	bob      = models.Caller{AccountID: "bob", SigningKey: bobKey}
	carol    = models.Caller{AccountID: "carol", SigningKey: carolKey}
)

const (
	bobDID   = "did:near:bob"
	carolDID = "did:near:carol"
)

type ServiceSuite struct {
	suite.Suite
	store     *store.InMemory
	publisher *recordingPublisher
	metrics   *metrics.Metrics
	service   *Service
	ctx       context.Context
	clock     time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.publisher = &recordingPublisher{}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.service = New(s.store,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditPublisher(s.publisher),
		WithMetrics(s.metrics),
	)
	s.clock = time.Unix(0, 1_000)
	s.ctx = requestcontext.WithTime(context.Background(), s.clock)
}

// tick advances the request clock so Updated stamps are distinguishable.
func (s *ServiceSuite) tick() {
	s.clock = s.clock.Add(time.Microsecond)
	s.ctx = requestcontext.WithTime(context.Background(), s.clock)
}

func (s *ServiceSuite) subject(did string) *models.Subject {
	sub, err := s.store.FindByID(context.Background(), id.SubjectID(did))
	s.Require().NoError(err)
	return sub
}

func (s *ServiceSuite) register(caller models.Caller) {
	_, err := s.service.Register(s.ctx, caller)
	s.Require().NoError(err)
}

func (s *ServiceSuite) requireCode(err error, code dErrors.Code) {
	s.T().Helper()
	s.Require().Error(err)
	s.Require().True(dErrors.HasCode(err, code), "expected %s, got %v", code, err)
}

func (s *ServiceSuite) TestRegister() {
	s.Run("seeds the signing key", func() {
		sub, err := s.service.Register(s.ctx, bob)
		s.Require().NoError(err)
		s.Equal(models.StatusValid, sub.Status)
		s.Require().Len(sub.Keys, 1)
		s.Equal(bobKey, sub.Keys[0].Key)
		s.Equal(id.SubjectID(bobDID), sub.Keys[0].Controller)
		s.True(sub.Keys[0].IsKey)
		s.True(sub.Keys[0].IsAuthentication)
		s.Equal(models.AuthenticationSet{0}, sub.Authentication)
		s.Equal(uint64(1_000), sub.Created)
		s.Zero(sub.Updated)
		s.Equal([]string{"reg_did_using_account, did:did:near:bob"}, s.publisher.lines())
	})

	s.Run("second registration fails and leaves state unchanged", func() {
		before := s.subject(bobDID)
		_, err := s.service.Register(s.ctx, models.Caller{AccountID: "bob", SigningKey: []byte{0, 1}})
		s.requireCode(err, dErrors.CodeAlreadyExists)
		s.ErrorIs(err, models.ErrSubjectExists)
		s.Equal(before, s.subject(bobDID))
		s.Len(s.publisher.lines(), 1)
	})

	s.Run("deactivated subject cannot register again", func() {
		s.Require().NoError(s.service.Deactivate(s.ctx, bob))
		_, err := s.service.Register(s.ctx, bob)
		s.requireCode(err, dErrors.CodeInvalidState)
	})

	s.Run("malformed account", func() {
		_, err := s.service.Register(s.ctx, models.Caller{AccountID: "", SigningKey: bobKey})
		s.requireCode(err, dErrors.CodeMalformedIdentifier)
	})

	s.Run("missing signing key", func() {
		_, err := s.service.Register(s.ctx, models.Caller{AccountID: "dave"})
		s.requireCode(err, dErrors.CodeValidation)
	})
}

func (s *ServiceSuite) TestAuthenticationScenario() {
	s.register(bob)

	s.Require().NoError(s.service.AddKey(s.ctx, bob, []byte{1}, ""))
	s.Require().NoError(s.service.AddNewAuthKey(s.ctx, bob, []byte{2}, ""))
	s.Require().NoError(s.service.SetAuthKey(s.ctx, bob, []byte{1}))

	sub := s.subject(bobDID)
	// Grants append, so key 1 follows key 2.
	s.Equal(models.AuthenticationSet{0, 2, 1}, sub.Authentication)
	s.NoError(sub.CheckInvariants())

	doc, err := models.Assemble(sub)
	s.Require().NoError(err)
	s.Len(doc.Authentication, 3)
	s.Require().NotNil(doc.Authentication[1].Key)
	s.Equal(bobDID+"#keys-3", doc.Authentication[1].Key.ID)
	s.Equal(bobDID+"#keys-2", doc.Authentication[2].Ref)

	s.Equal([]string{
		"reg_did_using_account, did:did:near:bob",
		"add_key, did:did:near:bob, public key: " + base58.Encode([]byte{1}) + ", controller: did:near:bob",
		"add_new_auth_key, did:did:near:bob, public key: " + base58.Encode([]byte{2}) + ", controller: did:near:bob",
		"set_auth_key, did:did:near:bob, public key: " + base58.Encode([]byte{1}),
	}, s.publisher.lines())
}

func (s *ServiceSuite) TestAddKeyWithExplicitController() {
	s.register(bob)
	s.Require().NoError(s.service.AddKey(s.ctx, bob, []byte{1, 7}, carolDID))
	s.Equal(id.SubjectID(carolDID), s.subject(bobDID).Keys[1].Controller)

	err := s.service.AddKey(s.ctx, bob, []byte{1, 8}, "carol")
	s.requireCode(err, dErrors.CodeMalformedIdentifier)
}

func (s *ServiceSuite) TestKeyMonotonicity() {
	s.register(bob)
	second := []byte{0, 2}
	s.Require().NoError(s.service.AddNewAuthKey(s.ctx, bob, second, ""))
	secondCaller := models.Caller{AccountID: "bob", SigningKey: second}

	s.Require().NoError(s.service.VerifySignature(s.ctx, secondCaller))
	s.Require().NoError(s.service.DeactivateKey(s.ctx, bob, second))

	s.requireCode(s.service.VerifySignature(s.ctx, secondCaller), dErrors.CodeUnauthorized)
	s.requireCode(s.service.DeactivateKey(s.ctx, bob, second), dErrors.CodeInvalidState)
	s.requireCode(s.service.SetAuthKey(s.ctx, bob, second), dErrors.CodeInvalidState)
	s.requireCode(s.service.AddKey(s.ctx, bob, second, ""), dErrors.CodeAlreadyExists)

	sub := s.subject(bobDID)
	s.True(sub.Keys[1].Deactivated)
	s.False(sub.Authentication.Contains(1))
	s.NoError(sub.CheckInvariants())
}

func (s *ServiceSuite) TestRejectedMutationLeavesNoTrace() {
	s.register(bob)
	before := s.subject(bobDID)
	events := len(s.publisher.lines())

	stranger := models.Caller{AccountID: "bob", SigningKey: []byte{9, 9}}
	s.tick()
	s.requireCode(s.service.AddKey(s.ctx, stranger, []byte{1}, ""), dErrors.CodeUnauthorized)
	s.requireCode(s.service.AddContext(s.ctx, stranger, []string{"https://example.com"}), dErrors.CodeUnauthorized)
	s.requireCode(s.service.RemoveService(s.ctx, bob, "missing"), dErrors.CodeNotFound)

	s.Equal(before, s.subject(bobDID))
	s.Len(s.publisher.lines(), events)
	s.InDelta(1, testutil.ToFloat64(s.metrics.Operations.WithLabelValues(OpRemoveService, metrics.OutcomeRejected)), 0)
}

func (s *ServiceSuite) TestUnregisteredCaller() {
	s.requireCode(s.service.AddKey(s.ctx, bob, []byte{1}, ""), dErrors.CodeNotFound)
	s.requireCode(s.service.VerifySignature(s.ctx, bob), dErrors.CodeNotFound)
	s.requireCode(s.service.Deactivate(s.ctx, bob), dErrors.CodeNotFound)
}

func (s *ServiceSuite) TestAuthOnlyKeyCanSign() {
	s.register(bob)
	authOnly := []byte{1, 0xaa}
	s.Require().NoError(s.service.AddNewAuthKey(s.ctx, bob, authOnly, ""))

	signer := models.Caller{AccountID: "bob", SigningKey: authOnly}
	s.Require().NoError(s.service.AddContext(s.ctx, signer, []string{"https://example.com/v1"}))

	s.Require().NoError(s.service.DeactivateAuthKey(s.ctx, bob, authOnly))
	s.requireCode(s.service.VerifySignature(s.ctx, signer), dErrors.CodeUnauthorized)
	s.ErrorIs(s.service.VerifySignature(s.ctx, signer), models.ErrNotAuthenticationKey)
}

func (s *ServiceSuite) TestDelegation() {
	s.register(bob)
	s.register(carol)

	s.Run("non-controller is rejected", func() {
		err := s.service.VerifyController(s.ctx, carol, bobDID)
		s.ErrorIs(err, models.ErrNotAController)
	})

	s.Require().NoError(s.service.AddController(s.ctx, bob, carolDID))

	s.Run("controller with its own key succeeds", func() {
		s.Require().NoError(s.service.VerifyController(s.ctx, carol, bobDID))

		before := s.subject(bobDID)
		s.Require().NoError(s.service.AddNewAuthKeyByController(s.ctx, carol, bobDID, []byte{1, 5}, ""))
		after := s.subject(bobDID)
		s.Len(after.Keys, len(before.Keys)+1)
		s.Len(after.Authentication, len(before.Authentication)+1)
		s.Equal(id.SubjectID(bobDID), after.Keys[len(after.Keys)-1].Controller)
		s.False(after.Keys[len(after.Keys)-1].IsKey)
	})

	s.Run("target's key does not authorize a controller call", func() {
		err := s.service.SetAuthKeyByController(s.ctx, models.Caller{AccountID: "carol", SigningKey: bobKey}, bobDID, []byte{1, 5})
		s.requireCode(err, dErrors.CodeUnauthorized)
	})

	s.Run("grant and revoke by controller", func() {
		s.Require().NoError(s.service.AddKey(s.ctx, bob, []byte{1, 6}, ""))
		s.Require().NoError(s.service.SetAuthKeyByController(s.ctx, carol, bobDID, []byte{1, 6}))
		s.Require().NoError(s.service.DeactivateAuthKeyByController(s.ctx, carol, bobDID, []byte{1, 6}))
		s.NoError(s.subject(bobDID).CheckInvariants())
	})

	s.Run("removing the controller revokes authority", func() {
		s.Require().NoError(s.service.RemoveController(s.ctx, bob, carolDID))
		err := s.service.AddNewAuthKeyByController(s.ctx, carol, bobDID, []byte{1, 9}, "")
		s.ErrorIs(err, models.ErrNotAController)
		s.requireCode(err, dErrors.CodeUnauthorized)
	})

	s.Run("deactivated controller loses authority", func() {
		s.Require().NoError(s.service.AddController(s.ctx, bob, carolDID))
		s.Require().NoError(s.service.Deactivate(s.ctx, carol))
		err := s.service.VerifyController(s.ctx, carol, bobDID)
		s.requireCode(err, dErrors.CodeInvalidState)
	})
}

func (s *ServiceSuite) TestControllers() {
	s.register(bob)

	s.requireCode(s.service.AddController(s.ctx, bob, "carol"), dErrors.CodeMalformedIdentifier)
	s.ErrorIs(s.service.AddController(s.ctx, bob, bobDID), models.ErrSelfController)
	s.Require().NoError(s.service.AddController(s.ctx, bob, carolDID))
	s.ErrorIs(s.service.AddController(s.ctx, bob, carolDID), models.ErrControllerExists)
	s.ErrorIs(s.service.RemoveController(s.ctx, bob, "did:near:dave"), models.ErrControllerNotFound)

	doc, err := s.service.GetDocument(s.ctx, bobDID)
	s.Require().NoError(err)
	s.Equal([]string{carolDID}, doc.Controller)
}

func (s *ServiceSuite) TestDeactivation() {
	s.register(bob)
	s.register(carol)
	s.Require().NoError(s.service.AddContext(s.ctx, bob, []string{"https://example.com"}))
	s.Require().NoError(s.service.AddController(s.ctx, bob, carolDID))
	s.Require().NoError(s.service.AddService(s.ctx, bob, models.Service{ID: "hub", Type: "Hub", Endpoint: "https://hub"}))

	s.Require().NoError(s.service.Deactivate(s.ctx, bob))

	_, err := s.service.GetDocument(s.ctx, bobDID)
	s.ErrorIs(err, models.ErrDocumentNotFound)

	sub := s.subject(bobDID)
	s.Equal(models.StatusDeactivated, sub.Status)
	s.Empty(sub.Contexts)
	s.Empty(sub.Keys)
	s.Empty(sub.Authentication)
	s.Empty(sub.Controllers)
	s.Empty(sub.Services)
	s.Zero(sub.Created)
	s.Zero(sub.Updated)

	s.requireCode(s.service.Deactivate(s.ctx, bob), dErrors.CodeInvalidState)
	s.requireCode(s.service.AddKey(s.ctx, bob, []byte{1}, ""), dErrors.CodeInvalidState)
	s.requireCode(s.service.VerifyController(s.ctx, carol, bobDID), dErrors.CodeInvalidState)
}

func (s *ServiceSuite) TestServices() {
	s.register(bob)
	svc := models.Service{ID: "svc1", Type: "t", Endpoint: "e"}

	s.Require().NoError(s.service.AddService(s.ctx, bob, svc))
	s.ErrorIs(s.service.AddService(s.ctx, bob, svc), models.ErrServiceExists)
	s.Require().NoError(s.service.UpdateService(s.ctx, bob, models.Service{ID: "svc1", Type: "t2", Endpoint: "e2"}))
	s.ErrorIs(s.service.UpdateService(s.ctx, bob, models.Service{ID: "svc2", Type: "t", Endpoint: "e"}), models.ErrServiceNotFound)
	s.requireCode(s.service.AddService(s.ctx, bob, models.Service{ID: "a#b", Type: "t", Endpoint: "e"}), dErrors.CodeValidation)

	doc, err := s.service.GetDocument(s.ctx, bobDID)
	s.Require().NoError(err)
	s.Require().Len(doc.Service, 1)
	s.Equal(models.DocumentService{ID: bobDID + "#svc1", Type: "t2", ServiceEndpoint: "e2"}, doc.Service[0])

	s.Require().NoError(s.service.RemoveService(s.ctx, bob, "svc1"))
	s.ErrorIs(s.service.RemoveService(s.ctx, bob, "svc1"), models.ErrServiceNotFound)
}

func (s *ServiceSuite) TestContexts() {
	s.register(bob)

	s.Require().NoError(s.service.AddContext(s.ctx, bob, []string{"https://a", "https://b", "https://a"}))
	s.Require().NoError(s.service.AddContext(s.ctx, bob, []string{"https://b", "https://c"}))
	s.Equal([]string{"https://a", "https://b", "https://c"}, s.subject(bobDID).Contexts)

	s.Require().NoError(s.service.RemoveContext(s.ctx, bob, []string{"https://b", "https://missing"}))
	s.Equal([]string{"https://a", "https://c"}, s.subject(bobDID).Contexts)

	s.requireCode(s.service.AddContext(s.ctx, bob, []string{" "}), dErrors.CodeValidation)

	doc, err := s.service.GetDocument(s.ctx, bobDID)
	s.Require().NoError(err)
	s.Equal(append(append([]string{}, models.DefaultContexts...), "https://a", "https://c"), doc.Contexts)

	lines := s.publisher.lines()
	s.Equal("remove_context, did:did:near:bob, context: [https://b, https://missing]", lines[len(lines)-1])
}

func (s *ServiceSuite) TestUpdatedStamps() {
	s.register(bob)
	s.Zero(s.subject(bobDID).Updated)

	s.tick()
	s.Require().NoError(s.service.AddKey(s.ctx, bob, []byte{1}, ""))
	s.Equal(models.Timestamp(s.clock), s.subject(bobDID).Updated)
	s.Equal(uint64(1_000), s.subject(bobDID).Created)
}

func (s *ServiceSuite) TestGetDocumentErrors() {
	_, err := s.service.GetDocument(s.ctx, "did:near:nobody")
	s.ErrorIs(err, models.ErrDocumentNotFound)

	_, err = s.service.GetDocument(s.ctx, "nobody")
	s.requireCode(err, dErrors.CodeMalformedIdentifier)
}

func (s *ServiceSuite) TestConcurrentMutationsSerialize() {
	s.register(bob)

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.service.AddNewAuthKey(s.ctx, bob, []byte{1, byte(i)}, "")
		}()
	}
	wg.Wait()

	sub := s.subject(bobDID)
	s.Len(sub.Keys, 33)
	s.Len(sub.Authentication, 33)
	s.NoError(sub.CheckInvariants())
}

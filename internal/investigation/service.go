package investigation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/degrade"
	"github.com/linnemanlabs/inquest/internal/enrich"
	"github.com/linnemanlabs/inquest/internal/gateway"
	"github.com/linnemanlabs/inquest/internal/router"
	"github.com/linnemanlabs/inquest/internal/sched"
)

// ErrNotFound is returned when no investigation exists for the given ID.
var ErrNotFound = errors.New("investigation not found")

// ErrNotAwaiting is returned when an approval signal arrives for an
// investigation that is not currently AWAITING_HUMAN.
var ErrNotAwaiting = errors.New("investigation is not awaiting approval")

// ErrInferenceUnavailable is returned by call when the inference breaker
// is open. The run parks in its current persisted state instead of
// failing; ResumeStranded picks it up once the breaker recovers.
var ErrInferenceUnavailable = errors.New("inference circuit open")

// Config holds service tunables.
type Config struct {
	// AutoCloseConfidence gates the extra summary call on auto-close.
	// Independent of the router's escalation threshold.
	AutoCloseConfidence float64
	// FalsePositiveFloor is the minimum matcher confidence that closes an
	// investigation out of PARSING without any inference call.
	FalsePositiveFloor float64
	// ApprovalWindow is how long AWAITING_HUMAN waits before the sweep
	// closes the investigation with timed_out.
	ApprovalWindow time.Duration
	// TimeBudget bounds one investigation run end to end; the router sees
	// the remaining budget as the call deadline.
	TimeBudget time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AutoCloseConfidence: 0.85,
		FalsePositiveFloor:  0.9,
		ApprovalWindow:      time.Hour,
		TimeBudget:          10 * time.Minute,
	}
}

// Notifier receives lifecycle notifications. Both methods are fire-and-forget
// from the service's point of view.
type Notifier interface {
	ApprovalRequested(ctx context.Context, inv *Investigation)
	Closed(ctx context.Context, inv *Investigation)
}

// SubmitResult is the outcome of submitting an alert for investigation.
type SubmitResult struct {
	ID      string
	Skipped bool
	Reason  string
}

// Service is the business boundary for investigation operations. It owns
// the state machine: all transitions happen through its handlers under a
// per-investigation single-writer lock.
type Service struct {
	store    Store
	cfg      Config
	sched    *sched.Scheduler
	router   *router.Router
	gateway  *gateway.Gateway
	fanout   *enrich.Fanout
	ctrl     *degrade.Controller
	fp       FalsePositiveMatcher
	notifier Notifier
	logger   log.Logger
	metrics  *Metrics

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	active map[string]context.CancelFunc

	now func() time.Time
}

// NewService creates the investigation service. fp, notifier, and metrics
// may be nil.
func NewService(store Store, cfg Config, sc *sched.Scheduler, rt *router.Router, gw *gateway.Gateway, fo *enrich.Fanout, ctrl *degrade.Controller, fp FalsePositiveMatcher, notifier Notifier, logger log.Logger, metrics *Metrics) *Service {
	if store == nil {
		panic(xerrors.New("store is required"))
	}
	if sc == nil {
		panic(xerrors.New("scheduler is required"))
	}
	if rt == nil {
		panic(xerrors.New("router is required"))
	}
	if gw == nil {
		panic(xerrors.New("gateway is required"))
	}
	if fo == nil {
		panic(xerrors.New("fanout is required"))
	}
	if ctrl == nil {
		panic(xerrors.New("degrade controller is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:    store,
		cfg:      cfg,
		sched:    sc,
		router:   rt,
		gateway:  gw,
		fanout:   fo,
		ctrl:     ctrl,
		fp:       fp,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		locks:    make(map[string]*sync.Mutex),
		active:   make(map[string]context.CancelFunc),
		now:      time.Now,
	}
}

// Submit accepts a normalized alert, handling dedup and lifecycle. The
// investigation runs asynchronously; the returned ID is immediately
// queryable.
func (s *Service) Submit(ctx context.Context, al *alert.Alert) (*SubmitResult, error) {
	if al.ID == "" {
		return nil, xerrors.New("alert has no id")
	}

	// dedup: an open investigation for the same alert is not re-created
	if existing, ok, err := s.store.GetByAlertID(ctx, al.ID); err != nil {
		return nil, err
	} else if ok && !Terminal(existing.State) {
		s.observeSubmit("duplicate")
		return &SubmitResult{ID: existing.ID, Skipped: true, Reason: "duplicate"}, nil
	}

	deferred := s.ctrl.Level() == degrade.LevelPassThrough

	now := s.now()
	inv := &Investigation{
		ID:        ulid.Make().String(),
		AlertID:   al.ID,
		TenantID:  al.TenantID,
		State:     StateReceived,
		Alert:     al,
		Entities:  al.Entities,
		Severity:  alert.NormalizeSeverity(al.Severity),
		CreatedAt: now,
	}
	d := inv.record("system", "received", "alert "+al.ID+" from "+al.Source, now)

	if err := s.store.Put(ctx, inv); err != nil {
		return nil, err
	}
	if err := s.store.AppendDecision(ctx, inv.ID, d); err != nil {
		return nil, err
	}

	// At pass-through every dependency is down; the run is deferred and
	// the investigation stays durable at RECEIVED until ResumeStranded
	// relaunches it.
	if deferred {
		s.logDecision(ctx, inv, "system", "deferred", "all dependencies degraded, run deferred")
		s.observeSubmit("deferred")
		s.logger.Warn(ctx, "run deferred at pass-through degradation",
			"investigation_id", inv.ID,
			"alert", al.ID,
		)
		return &SubmitResult{ID: inv.ID, Reason: "deferred"}, nil
	}

	s.observeSubmit("accepted")

	go s.run(context.WithoutCancel(ctx), inv.ID)

	return &SubmitResult{ID: inv.ID}, nil
}

// Get retrieves an investigation by ID.
func (s *Service) Get(ctx context.Context, id string) (*Investigation, bool, error) {
	return s.store.Get(ctx, id)
}

// runState carries per-run working set that is never persisted: the
// redaction map lives exactly as long as the run.
type runState struct {
	inv      *Investigation
	redactor *gateway.RedactionMap
	deadline time.Time
}

type nodeFn func(ctx context.Context, rs *runState) (State, error)

func (s *Service) nodes() map[State]nodeFn {
	return map[State]nodeFn{
		StateParsing:    s.nodeParse,
		StateEnriching:  s.nodeEnrich,
		StateReasoning:  s.nodeReason,
		StateResponding: s.nodeRespond,
	}
}

func (s *Service) run(ctx context.Context, id string) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if _, exists := s.active[id]; exists {
		s.mu.Unlock()
		cancel()
		return
	}
	s.active[id] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	}()

	unlock := s.lockID(id)
	defer unlock()

	inv, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		s.logger.Error(ctx, err, "failed to load investigation for run", "id", id)
		return
	}

	L := s.logger.With("investigation_id", inv.ID, "alert", inv.AlertID, "severity", inv.Severity)

	rs := &runState{
		inv:      inv,
		redactor: gateway.NewRedactionMap(),
		deadline: s.now().Add(s.cfg.TimeBudget),
	}
	rs.redactor.RegisterEntities(inv.Entities)

	// A resumed run re-enters mid-pipeline; only a fresh submission
	// needs the RECEIVED -> PARSING transition.
	if inv.State == StateReceived {
		if err := s.advance(ctx, inv, StateParsing, "system", "advance", string(StateReceived)+" -> "+string(StateParsing)); err != nil {
			L.Error(ctx, err, "failed to enter parsing")
			return
		}
	}

	s.resume(ctx, L, rs)
}

// resume drives the node loop from the investigation's current state until
// a terminal state or a durable suspension. Caller holds the per-id lock.
func (s *Service) resume(ctx context.Context, L log.Logger, rs *runState) {
	inv := rs.inv
	nodes := s.nodes()

	for !Terminal(inv.State) && inv.State != StateAwaitingHuman {
		if err := ctx.Err(); err != nil {
			s.closeCancelled(context.WithoutCancel(ctx), inv)
			return
		}

		fn, ok := nodes[inv.State]
		if !ok {
			s.fail(ctx, inv, fmt.Sprintf("no handler for state %s", inv.State))
			return
		}

		next, err := fn(ctx, rs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				s.closeCancelled(context.WithoutCancel(ctx), inv)
				return
			}
			if errors.Is(err, ErrInferenceUnavailable) {
				s.logDecision(ctx, inv, "system", "parked", "inference unavailable in "+string(inv.State))
				L.Warn(ctx, "run parked until inference recovers", "state", inv.State)
				return
			}
			s.fail(ctx, inv, err.Error())
			return
		}

		switch next {
		case StateClosed:
			s.close(ctx, inv, "system", "")
			return
		case StateAwaitingHuman:
			if err := s.advance(ctx, inv, StateAwaitingHuman, "system", "paused_for_approval", inv.PendingAction); err != nil {
				s.fail(ctx, inv, err.Error())
				return
			}
			if s.notifier != nil {
				s.notifier.ApprovalRequested(ctx, inv)
			}
			L.Info(ctx, "awaiting human approval",
				"action", inv.PendingAction,
				"deadline", inv.ApprovalDeadline,
			)
			return
		default:
			if err := s.advance(ctx, inv, next, "system", "advance", string(inv.State)+" -> "+string(next)); err != nil {
				s.fail(ctx, inv, err.Error())
				return
			}
		}
	}
}

// nodeParse runs the false-positive short-circuit and entity extraction.
// A confident false-positive match closes the investigation before any
// inference call is made.
func (s *Service) nodeParse(ctx context.Context, rs *runState) (State, error) {
	inv := rs.inv

	if s.fp != nil {
		m, ok, err := s.fp.Match(ctx, inv.Alert)
		if err != nil {
			// matcher failure never blocks the pipeline
			s.logger.Warn(ctx, "false-positive matcher failed",
				"investigation_id", inv.ID,
				"error", err.Error(),
			)
		} else if ok && m.Confidence >= s.cfg.FalsePositiveFloor {
			inv.Classification = "false_positive"
			inv.Confidence = m.Confidence
			inv.Summary = m.Reason
			inv.CloseStatus = CloseFalsePositive
			return StateClosed, nil
		}
	}

	res, err := s.call(ctx, rs, router.TaskExtract, extractInstruction, extractFields(inv.Alert), gateway.ExtractSchema, nil)
	if err != nil {
		return "", fmt.Errorf("extract: %w", err)
	}
	if !res.Valid {
		// one retry on schema violation, then the node fails
		res, err = s.call(ctx, rs, router.TaskExtract, extractInstruction, extractFields(inv.Alert), gateway.ExtractSchema, nil)
		if err != nil {
			return "", fmt.Errorf("extract retry: %w", err)
		}
		if !res.Valid {
			return "", fmt.Errorf("extract: response failed schema validation: %s", res.Detail)
		}
	}

	inv.Entities = mergeEntities(inv.Entities, parseEntities(res.Output["entities"]))
	rs.redactor.RegisterEntities(inv.Entities)
	return StateEnriching, nil
}

// nodeEnrich runs the fan-out. Enrichment never fails the investigation;
// degraded sources are carried in the result. On cancellation the partial
// context is discarded, never persisted as if complete.
func (s *Service) nodeEnrich(ctx context.Context, rs *runState) (State, error) {
	inv := rs.inv

	al := *inv.Alert
	al.Entities = inv.Entities
	ec := s.fanout.Run(ctx, &al)

	if err := ctx.Err(); err != nil {
		return "", err
	}

	inv.Enrichment = ec
	return StateReasoning, nil
}

// nodeReason runs the classification call, applies escalation policy, and
// decides between auto-response and a human approval pause.
func (s *Service) nodeReason(ctx context.Context, rs *runState) (State, error) {
	inv := rs.inv

	fields := classifyFields(inv)
	res, err := s.call(ctx, rs, router.TaskClassify, classifyInstruction, fields, gateway.ClassifySchema, nil)
	if err != nil {
		return "", fmt.Errorf("classify: %w", err)
	}
	if !res.Valid {
		res, err = s.call(ctx, rs, router.TaskClassify, classifyInstruction, fields, gateway.ClassifySchema, nil)
		if err != nil {
			return "", fmt.Errorf("classify retry: %w", err)
		}
		if !res.Valid {
			return "", fmt.Errorf("classify: response failed schema validation: %s", res.Detail)
		}
	}
	applyClassification(inv, res)

	esc := s.router.ShouldEscalate(inv.Severity, inv.Confidence)
	switch {
	case esc.Suppressed:
		s.logDecision(ctx, inv, "system", "escalation_suppressed",
			fmt.Sprintf("confidence %.2f below threshold, hourly cap reached", inv.Confidence))
		s.observeEscalation("suppressed")
	case esc.Escalate:
		res2, err := s.call(ctx, rs, router.TaskClassify, classifyInstruction, fields, gateway.ClassifySchema, &esc.Decision)
		if err == nil && res2.Valid {
			// higher-tier result replaces the original
			applyClassification(inv, res2)
			s.logDecision(ctx, inv, "system", "escalated",
				fmt.Sprintf("re-analysis at %s, confidence %.2f", esc.Decision.Tier, inv.Confidence))
			s.observeEscalation("fired")
		} else {
			detail := "escalation call failed, original result stands"
			if err == nil {
				detail = "escalation response invalid, original result stands"
			}
			s.logDecision(ctx, inv, "system", "escalation_failed", detail)
			s.observeEscalation("failed")
		}
	}

	if action, ok := firstDestructive(inv.RecommendedActions); ok {
		inv.PendingAction = action
		inv.ApprovalDeadline = s.now().Add(s.cfg.ApprovalWindow)
		return StateAwaitingHuman, nil
	}
	return StateResponding, nil
}

// nodeRespond prepares the closure. High-confidence outcomes get a
// dedicated summary call; everything else closes on the classification
// rationale. A summary failure degrades, it never blocks closure.
func (s *Service) nodeRespond(ctx context.Context, rs *runState) (State, error) {
	inv := rs.inv

	inv.Summary = inv.Rationale
	if inv.Confidence >= s.cfg.AutoCloseConfidence {
		res, err := s.call(ctx, rs, router.TaskSummarize, summarizeInstruction, classifyFields(inv), summarySchema, nil)
		if err == nil && res.Valid {
			if text, ok := res.Output["summary"].(string); ok {
				inv.Summary = text
			}
		} else if err != nil && errors.Is(err, context.Canceled) {
			return "", err
		}
	}

	if inv.CloseStatus == "" {
		inv.CloseStatus = CloseAutoClosed
	}
	return StateClosed, nil
}

// call runs one mediated inference request: admission slot, routing
// decision, gateway execution, call-record and ledger accounting. The slot
// is always released before return.
func (s *Service) call(ctx context.Context, rs *runState, task router.Task, instruction string, fields map[string]string, schema *gateway.OutputSchema, forced *router.Decision) (*gateway.Result, error) {
	inv := rs.inv

	if !s.ctrl.Allow(degrade.DepInference) {
		return nil, ErrInferenceUnavailable
	}

	slot, err := s.sched.Acquire(ctx, sched.ClassFor(inv.Severity), inv.TenantID)
	if err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}
	defer slot.Release()

	var decision router.Decision
	if forced != nil {
		decision = *forced
	} else {
		decision = s.router.Route(router.Request{
			Task:          task,
			Severity:      inv.Severity,
			ContextTokens: estimateTokens(fields),
			MinTier:       router.NoHint,
			Deadline:      rs.deadline,
		})
	}

	res, err := s.gateway.Execute(ctx, &gateway.Call{
		Task:        task,
		Instruction: instruction,
		Fields:      fields,
		Decision:    decision,
		Redactor:    rs.redactor,
		Schema:      schema,
	})
	s.ctrl.Record(degrade.DepInference, err)
	if err != nil {
		s.router.Record(task, decision.Tier, false, 0, 0, 0)
		return nil, err
	}

	rec := CallRecord{
		Task:      string(task),
		Tier:      decision.Tier.String(),
		Model:     decision.Model,
		Reason:    decision.Reason,
		TokensIn:  res.Usage.InputTokens,
		TokensOut: res.Usage.OutputTokens,
		CostUSD:   res.CostUSD,
		Duration:  res.Latency.Seconds(),
		Valid:     res.Valid,
		Escalated: forced != nil,
		CreatedAt: s.now(),
	}
	if conf, ok := res.Output["confidence"].(float64); ok {
		rec.Confidence = conf
	}
	inv.Calls = append(inv.Calls, rec)
	inv.TokensUsed += rec.TokensIn + rec.TokensOut
	inv.CostUSD += rec.CostUSD

	s.router.Record(task, decision.Tier, res.Valid, res.CostUSD, res.Latency, rec.Confidence)
	s.observeCall(&rec)

	return res, nil
}

// ResolveApproval applies an external approval signal. The signal is
// rejected with ErrNotAwaiting unless the investigation is currently
// AWAITING_HUMAN; resumption runs from the durable record, not from any
// in-memory continuation.
func (s *Service) ResolveApproval(ctx context.Context, id string, approve bool, actor string) (*Investigation, error) {
	unlock := s.lockID(id)
	defer unlock()

	inv, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if inv.State != StateAwaitingHuman {
		return nil, fmt.Errorf("%w: state %s", ErrNotAwaiting, inv.State)
	}
	if actor == "" {
		actor = "human"
	}

	if !approve {
		inv.CloseStatus = CloseRejected
		s.close(ctx, inv, actor, inv.PendingAction)
		s.observeApproval("rejected")
		return inv, nil
	}

	inv.CloseStatus = CloseApproved
	if err := s.advance(ctx, inv, StateResponding, actor, "approved", inv.PendingAction); err != nil {
		return nil, err
	}
	s.observeApproval("approved")

	rs := &runState{
		inv:      inv,
		redactor: gateway.NewRedactionMap(),
		deadline: s.now().Add(s.cfg.TimeBudget),
	}
	rs.redactor.RegisterEntities(inv.Entities)
	s.resume(ctx, s.logger.With("investigation_id", inv.ID), rs)
	return inv, nil
}

// SweepApprovals closes every AWAITING_HUMAN investigation whose approval
// deadline has elapsed with status timed_out. Returns the number closed.
func (s *Service) SweepApprovals(ctx context.Context) (int, error) {
	now := s.now()
	pending, err := s.store.ListAwaiting(ctx, now)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, stale := range pending {
		unlock := s.lockID(stale.ID)

		inv, ok, err := s.store.Get(ctx, stale.ID)
		if err != nil || !ok {
			unlock()
			continue
		}
		if inv.State != StateAwaitingHuman || inv.ApprovalDeadline.After(now) {
			unlock()
			continue
		}

		inv.CloseStatus = CloseTimedOut
		s.close(ctx, inv, "sweep", "approval window elapsed for "+inv.PendingAction)
		s.observeApproval("timed_out")
		closed++
		unlock()
	}
	return closed, nil
}

// ResumeStranded relaunches investigations persisted mid-pipeline with no
// active run: deferred submissions, parked runs, and runs interrupted by a
// process restart. Returns the number relaunched. A no-op while the
// controller reports pass-through.
func (s *Service) ResumeStranded(ctx context.Context) (int, error) {
	if s.ctrl.Level() == degrade.LevelPassThrough {
		return 0, nil
	}

	stranded, err := s.store.ListResumable(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, inv := range stranded {
		s.mu.Lock()
		_, running := s.active[inv.ID]
		s.mu.Unlock()
		if running {
			continue
		}

		s.logger.Info(ctx, "resuming stranded investigation",
			"investigation_id", inv.ID,
			"state", inv.State,
		)
		go s.run(context.WithoutCancel(ctx), inv.ID)
		resumed++
	}
	return resumed, nil
}

// Cancel aborts an investigation: a running pipeline is interrupted at its
// next step (releasing any held admission slot), a suspended one is closed
// directly. Partial enrichment already gathered is discarded.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	cancel, running := s.active[id]
	s.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	unlock := s.lockID(id)
	defer unlock()

	inv, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if Terminal(inv.State) {
		return nil
	}
	s.closeCancelled(ctx, inv)
	return nil
}

func (s *Service) closeCancelled(ctx context.Context, inv *Investigation) {
	inv.Enrichment = nil
	inv.CloseStatus = CloseCancelled
	s.logDecision(ctx, inv, "system", "cancelled", "caller cancellation")
	s.close(ctx, inv, "system", "superseded")
}

// advance applies one transition and persists both the snapshot and the
// decision-log entry.
func (s *Service) advance(ctx context.Context, inv *Investigation, to State, actor, action, detail string) error {
	d, err := inv.transition(to, actor, action, detail, s.now())
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, inv); err != nil {
		return err
	}
	if err := s.store.AppendDecision(ctx, inv.ID, d); err != nil {
		return err
	}
	return nil
}

// logDecision appends and persists a non-transition decision entry.
func (s *Service) logDecision(ctx context.Context, inv *Investigation, actor, action, detail string) {
	d := inv.record(actor, action, detail, s.now())
	if err := s.store.AppendDecision(ctx, inv.ID, d); err != nil {
		s.logger.Error(ctx, err, "failed to append decision entry",
			"investigation_id", inv.ID,
			"action", action,
		)
	}
}

func (s *Service) close(ctx context.Context, inv *Investigation, actor, detail string) {
	d := inv.CloseStatus
	if detail != "" {
		d = inv.CloseStatus + ": " + detail
	}
	if err := s.advance(ctx, inv, StateClosed, actor, "closed", d); err != nil {
		s.logger.Error(ctx, err, "failed to close investigation", "investigation_id", inv.ID)
		return
	}
	s.observeTerminal(inv)
	if s.notifier != nil {
		s.notifier.Closed(ctx, inv)
	}
	s.logger.Info(ctx, "investigation closed",
		"investigation_id", inv.ID,
		"status", inv.CloseStatus,
		"classification", inv.Classification,
		"confidence", inv.Confidence,
		"calls", len(inv.Calls),
		"cost_usd", inv.CostUSD,
	)
}

// fail moves the investigation to FAILED with the reason in the decision
// log. FAILED is terminal and never retried automatically.
func (s *Service) fail(ctx context.Context, inv *Investigation, reason string) {
	ctx = context.WithoutCancel(ctx)
	inv.FailureReason = reason
	if err := s.advance(ctx, inv, StateFailed, "system", "failed", reason); err != nil {
		s.logger.Error(ctx, err, "failed to record failure", "investigation_id", inv.ID)
		return
	}
	s.observeTerminal(inv)
	if s.notifier != nil {
		s.notifier.Closed(ctx, inv)
	}
	s.logger.Error(ctx, errors.New(reason), "investigation failed", "investigation_id", inv.ID)
}

func (s *Service) lockID(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Service) observeSubmit(result string) {
	if s.metrics != nil {
		s.metrics.SubmitsTotal.WithLabelValues(result).Inc()
	}
}

func (s *Service) observeEscalation(outcome string) {
	if s.metrics != nil {
		s.metrics.EscalationsTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) observeApproval(decision string) {
	if s.metrics != nil {
		s.metrics.ApprovalsTotal.WithLabelValues(decision).Inc()
	}
}

func (s *Service) observeCall(rec *CallRecord) {
	if s.metrics == nil {
		return
	}
	s.metrics.CallsTotal.WithLabelValues(rec.Task, rec.Tier).Inc()
	s.metrics.TokensIn.Add(float64(rec.TokensIn))
	s.metrics.TokensOut.Add(float64(rec.TokensOut))
	s.metrics.CostUSD.Add(rec.CostUSD)
	s.metrics.CallDuration.Observe(rec.Duration)
}

func (s *Service) observeTerminal(inv *Investigation) {
	if s.metrics == nil {
		return
	}
	status := inv.CloseStatus
	if inv.State == StateFailed {
		status = "failed"
	}
	s.metrics.InvestigationsTotal.WithLabelValues(status).Inc()
	if !inv.ClosedAt.IsZero() {
		s.metrics.InvestigationDuration.WithLabelValues(status).Observe(inv.ClosedAt.Sub(inv.CreatedAt).Seconds())
	}
}

const extractInstruction = `Extract every security-relevant entity from the alert fields.
Return entities as an array of {"type": one of user|host|ip|domain|hash|url, "value": string}.
Include a one-sentence summary if the alert text supports one.`

const classifyInstruction = `Classify this security alert using the alert fields and the gathered
enrichment context. Return classification (one of: true_positive, false_positive,
benign_activity, suspicious_activity), confidence between 0.0 and 1.0, severity,
techniques as an array of technique identifiers, recommended_actions as an array
of short snake_case action names, and a rationale.`

const summarizeInstruction = `Write a concise analyst-facing summary of this investigation outcome:
what happened, why the classification holds, and what was recommended.`

// summarySchema is the expected output of the summarize task.
var summarySchema = &gateway.OutputSchema{
	Fields: []gateway.Field{
		{Name: "summary", Kind: gateway.KindString, Required: true},
	},
}

// destructiveActions require human approval regardless of confidence.
var destructiveActions = map[string]bool{
	"isolate_host":       true,
	"quarantine_host":    true,
	"disable_account":    true,
	"revoke_credentials": true,
	"reset_password":     true,
	"block_ip":           true,
	"block_domain":       true,
	"kill_process":       true,
	"delete_file":        true,
	"wipe_host":          true,
}

func firstDestructive(actions []string) (string, bool) {
	for _, a := range actions {
		norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(a)), " ", "_")
		if destructiveActions[norm] {
			return norm, true
		}
	}
	return "", false
}

func extractFields(al *alert.Alert) map[string]string {
	fields := map[string]string{
		"title": al.Title,
	}
	if al.Description != "" {
		fields["description"] = al.Description
	}
	if len(al.Raw) > 0 {
		fields["raw"] = string(al.Raw)
	}
	return fields
}

// classifyFields flattens the alert and enrichment context into the
// free-text fields the gateway sanitizes and redacts.
func classifyFields(inv *Investigation) map[string]string {
	fields := map[string]string{
		"alert": fmt.Sprintf("%s (severity %s, rule %s): %s",
			inv.Alert.Title, inv.Severity, inv.Alert.RuleID, inv.Alert.Description),
	}

	var entities []string
	for _, e := range inv.Entities {
		entities = append(entities, string(e.Type)+"="+e.Value)
	}
	if len(entities) > 0 {
		fields["entities"] = strings.Join(entities, ", ")
	}

	ec := inv.Enrichment
	if ec == nil {
		return fields
	}

	if len(ec.Indicators) > 0 {
		var hits []string
		for _, r := range ec.Indicators {
			hits = append(hits, fmt.Sprintf("%s %s: %s (%s, confidence %.2f)",
				r.Type, r.Value, r.Verdict, r.Source, r.Confidence))
		}
		fields["indicator_matches"] = strings.Join(hits, "; ")
	}
	if len(ec.Risk) > 0 {
		var sigs []string
		for _, r := range ec.Risk {
			if r.State == enrich.RiskStateNoBaseline {
				sigs = append(sigs, fmt.Sprintf("%s %s: no behavioral baseline", r.Entity.Type, r.Entity.Value))
				continue
			}
			sigs = append(sigs, fmt.Sprintf("%s %s: risk %.2f %s", r.Entity.Type, r.Entity.Value, r.Score, r.Summary))
		}
		fields["behavioral_risk"] = strings.Join(sigs, "; ")
	}
	if len(ec.Similar) > 0 {
		var incs []string
		for _, sc := range ec.Similar {
			incs = append(incs, fmt.Sprintf("%s (%s, closed %s, score %.2f)",
				sc.Incident.Title, sc.Incident.Classification,
				sc.Incident.ClosedAt.Format("2006-01-02"), sc.Composite))
		}
		fields["similar_incidents"] = strings.Join(incs, "; ")
	}
	if len(ec.Exposures) > 0 {
		var exps []string
		for _, m := range ec.Exposures {
			exps = append(exps, fmt.Sprintf("%s %s: %s (%s)", m.Entity.Type, m.Entity.Value, m.Exposure, m.Severity))
		}
		fields["exposures"] = strings.Join(exps, "; ")
	}
	if len(ec.Techniques) > 0 {
		fields["mapped_techniques"] = strings.Join(ec.Techniques, ", ")
	}
	if ec.Consequence != "" {
		fields["consequence_severity"] = ec.Consequence
	}
	if len(ec.Degraded) > 0 {
		fields["degraded_sources"] = strings.Join(ec.Degraded, ", ")
	}
	return fields
}

// applyClassification copies a validated classification result onto the
// investigation. Quarantined identifiers stay out of the trusted technique
// list.
func applyClassification(inv *Investigation, res *gateway.Result) {
	if v, ok := res.Output["classification"].(string); ok {
		inv.Classification = v
	}
	if v, ok := res.Output["confidence"].(float64); ok {
		inv.Confidence = v
	}
	if v, ok := res.Output["severity"].(string); ok && v != "" {
		inv.Severity = alert.NormalizeSeverity(v)
	}
	inv.Techniques = stringSlice(res.Output["techniques"])
	inv.Quarantined = res.Quarantined
	inv.RecommendedActions = stringSlice(res.Output["recommended_actions"])
	if v, ok := res.Output["rationale"].(string); ok {
		inv.Rationale = v
	}
	if len(inv.Calls) > 0 {
		inv.Calls[len(inv.Calls)-1].Confidence = inv.Confidence
	}
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// parseEntities reads the extraction output's entities array. Entries
// without both a type and a value are skipped.
func parseEntities(v any) []alert.Entity {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []alert.Entity
	for _, item := range arr {
		e, ok := item.(map[string]any)
		if !ok {
			continue
		}
		typ, _ := e["type"].(string)
		val, _ := e["value"].(string)
		if typ == "" || val == "" {
			continue
		}
		out = append(out, alert.Entity{Type: alert.EntityType(typ), Value: val})
	}
	return out
}

func mergeEntities(base, extra []alert.Entity) []alert.Entity {
	seen := make(map[alert.Entity]bool, len(base))
	out := make([]alert.Entity, 0, len(base)+len(extra))
	for _, e := range base {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	for _, e := range extra {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

// estimateTokens is the rough chars/4 heuristic used only for the router's
// context-size override.
func estimateTokens(fields map[string]string) int {
	total := 0
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		total += len(k) + len(fields[k])
	}
	return total / 4
}

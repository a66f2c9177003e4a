// Package conversation drives multi-agent conversations turn by turn.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"agora/internal/domain"
	"agora/internal/infra/tracer"
	"agora/internal/usecase/retrieval"
	"agora/internal/usecase/turn"
)

const subsystem = "conversation"

// AgentDirectory resolves roster names to configured agents.
type AgentDirectory interface {
	Agent(name string) (domain.AgentIdentity, domain.AgentResponder, error)
}

// Knowledge is the slice of the retrieval engine the orchestrator uses.
type Knowledge interface {
	Retrieve(ctx context.Context, q retrieval.Query) ([]domain.RetrievalResult, error)
	Record(ctx context.Context, entry domain.KnowledgeEntry) (domain.KnowledgeEntry, error)
}

// StartRequest describes a new conversation.
type StartRequest struct {
	Objective string
	Roster    []string
	// Mode defaults to the configured mode when empty.
	Mode     domain.Mode
	MaxTurns int
}

// ResumeRequest continues an existing conversation.
type ResumeRequest struct {
	SessionID       string
	AdditionalTurns int
	// Reactivate allows resuming a completed, cancelled or failed session.
	Reactivate bool
}

// Config tunes the turn loop.
type Config struct {
	Mode            domain.Mode
	AgentTimeout    time.Duration
	PersistTimeout  time.Duration
	MaxAgentRetries int
	ContextTopK     int
	DecayFactor     float64
	// LeaseRefresh is how often a held session lease is extended. It must be
	// well below the lease TTL.
	LeaseRefresh time.Duration
}

func (c Config) withDefaults() Config {
	if !c.Mode.Valid() {
		c.Mode = domain.ModeRoundRobin
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 120 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	if c.MaxAgentRetries < 0 {
		c.MaxAgentRetries = 0
	}
	if c.ContextTopK < 0 {
		c.ContextTopK = 0
	}
	if c.LeaseRefresh <= 0 {
		c.LeaseRefresh = 10 * time.Second
	}
	return c
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLease guards sessions against drivers in other processes sharing the
// same session store. Without a lease the orchestrator assumes it is the only
// process driving sessions in that store.
func WithLease(lease domain.SessionLease) Option {
	return func(o *Orchestrator) { o.lease = lease }
}

// WithClock overrides the time source used for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs conversations between a roster of agents. Each session
// is driven by at most one goroutine at a time; drives run in the background
// and are observed through the event bus or Wait.
type Orchestrator struct {
	sessions  domain.SessionStore
	agents    AgentDirectory
	knowledge Knowledge
	selector  *turn.Selector
	bus       domain.EventBus
	lease     domain.SessionLease
	registry  *SessionRegistry
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	baseCtx  context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	sessions domain.SessionStore,
	agents AgentDirectory,
	knowledge Knowledge,
	selector *turn.Selector,
	bus domain.EventBus,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		sessions:  sessions,
		agents:    agents,
		knowledge: knowledge,
		selector:  selector,
		bus:       bus,
		registry:  NewSessionRegistry(),
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
		baseCtx:   ctx,
		shutdown:  cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start validates req, persists a new session and begins driving it in the
// background. It returns the new session id.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (string, error) {
	const op = "Orchestrator.Start"
	if o.closed.Load() {
		return "", domain.NewSubSystemError(subsystem, op, domain.ErrDisabled, "orchestrator closed")
	}

	mode := req.Mode
	if mode == "" {
		mode = o.cfg.Mode
	}
	switch {
	case strings.TrimSpace(req.Objective) == "":
		return "", domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, "objective is required")
	case req.MaxTurns <= 0:
		return "", domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, "max turns must be positive")
	case !mode.Valid():
		return "", domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, fmt.Sprintf("unknown mode %q", mode))
	}
	if err := o.validateRoster(req.Roster); err != nil {
		return "", err
	}

	now := o.now()
	sess := &domain.ConversationSession{
		ID:         ulid.Make().String(),
		Objective:  req.Objective,
		Roster:     slices.Clone(req.Roster),
		Mode:       mode,
		Status:     domain.SessionActive,
		TurnBudget: req.MaxTurns,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.sessions.CreateSession(ctx, sess); err != nil {
		return "", domain.WrapOp(op, err)
	}

	if _, err := o.knowledge.Record(ctx, domain.KnowledgeEntry{
		AgentName: "orchestrator",
		Kind:      domain.KindSystem,
		Content:   "Conversation objective: " + req.Objective,
		SessionID: sess.ID,
		Metadata:  map[string]string{"conversation_id": sess.ID},
	}); err != nil {
		o.logger.Warn("failed to record conversation objective", "session_id", sess.ID, "error", err)
	}

	slot, err := o.claim(ctx, sess.ID)
	if err != nil {
		return "", domain.WrapOp(op, err)
	}
	o.logger.Info("conversation started",
		"session_id", sess.ID, "roster", strings.Join(sess.Roster, ","),
		"mode", string(sess.Mode), "max_turns", sess.TurnBudget)
	o.launch(sess, slot)
	return sess.ID, nil
}

// Resume extends the turn budget of an existing session and drives it
// again. It fails fast with ErrSessionBusy while another drive is running.
func (o *Orchestrator) Resume(ctx context.Context, req ResumeRequest) error {
	const op = "Orchestrator.Resume"
	if o.closed.Load() {
		return domain.NewSubSystemError(subsystem, op, domain.ErrDisabled, "orchestrator closed")
	}
	if req.AdditionalTurns <= 0 {
		return domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, "additional turns must be positive")
	}

	sess, err := o.sessions.LoadSession(ctx, req.SessionID)
	if err != nil {
		return domain.WrapOp(op, err)
	}

	slot, err := o.claim(ctx, sess.ID)
	if err != nil {
		return domain.WrapOp(op, err)
	}

	// Reload under the slot: the session may have moved since the first read.
	sess, err = o.sessions.LoadSession(ctx, req.SessionID)
	if err != nil {
		o.release(req.SessionID, slot, nil)
		return domain.WrapOp(op, err)
	}
	if sess.Status.Terminal() && !req.Reactivate {
		o.release(sess.ID, slot, nil)
		return domain.NewSubSystemError(subsystem, op, domain.ErrSessionTerminal,
			fmt.Sprintf("session %s is %s", sess.ID, sess.Status))
	}

	next := sess.Clone()
	next.TurnBudget = len(next.Turns) + req.AdditionalTurns
	next.Status = domain.SessionActive
	next.FailureReason = ""
	next.UpdatedAt = o.now()
	if err := o.sessions.ClearCancel(ctx, sess.ID); err != nil {
		o.logger.Warn("failed to clear cancel request", "session_id", sess.ID, "error", err)
	}
	if err := o.persist(ctx, next); err != nil {
		o.release(sess.ID, slot, nil)
		return domain.WrapOp(op, err)
	}

	o.logger.Info("conversation resumed",
		"session_id", next.ID, "turns", len(next.Turns), "max_turns", next.TurnBudget,
		"reactivated", sess.Status.Terminal())
	o.launch(next, slot)
	return nil
}

// Cancel requests cooperative cancellation. A driven session stops at its
// next turn boundary; an idle session is cancelled immediately.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	const op = "Orchestrator.Cancel"

	sess, err := o.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	if sess.Status.Terminal() {
		return domain.NewSubSystemError(subsystem, op, domain.ErrSessionTerminal,
			fmt.Sprintf("session %s is %s", sess.ID, sess.Status))
	}

	if err := o.sessions.RequestCancel(ctx, sessionID); err != nil {
		return domain.WrapOp(op, err)
	}
	if slot, ok := o.registry.Lookup(sessionID); ok {
		slot.RequestCancel()
		o.logger.Info("conversation cancel requested", "session_id", sessionID)
		return nil
	}

	// Nobody here drives it. If nobody elsewhere does either, finish it now;
	// otherwise the persisted flag reaches the remote driver.
	slot, err := o.claim(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionBusy) {
			return nil
		}
		return domain.WrapOp(op, err)
	}
	var ferr error
	defer func() { o.release(sessionID, slot, ferr) }()

	if sess, ferr = o.sessions.LoadSession(ctx, sessionID); ferr != nil {
		return domain.WrapOp(op, ferr)
	}
	if sess.Status.Terminal() {
		return nil
	}
	ferr = o.finish(ctx, sess, domain.SessionCancelled, "")
	return domain.WrapOp(op, ferr)
}

// Wait blocks until the current drive of sessionID finishes and returns the
// persisted session together with the drive's terminal error, if any.
func (o *Orchestrator) Wait(ctx context.Context, sessionID string) (*domain.ConversationSession, error) {
	if slot, ok := o.registry.Lookup(sessionID); ok {
		select {
		case <-slot.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	sess, err := o.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess, o.registry.LastError(sessionID)
}

// Session returns the persisted state of one session.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*domain.ConversationSession, error) {
	sess, err := o.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, domain.WrapOp("Orchestrator.Session", err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first. An empty status matches all.
func (o *Orchestrator) ListSessions(ctx context.Context, status domain.SessionStatus, limit int) ([]*domain.ConversationSession, error) {
	list, err := o.sessions.ListSessions(ctx, status, limit)
	if err != nil {
		return nil, domain.WrapOp("Orchestrator.ListSessions", err)
	}
	return list, nil
}

// Driving reports whether sessionID is being driven by this orchestrator.
func (o *Orchestrator) Driving(sessionID string) bool {
	_, ok := o.registry.Lookup(sessionID)
	return ok
}

// Close stops every drive at its next turn boundary and waits for them.
// Interrupted sessions stay active and can be resumed.
func (o *Orchestrator) Close() {
	if o.closed.Swap(true) {
		return
	}
	if n := o.registry.ActiveCount(); n > 0 {
		o.logger.Info("stopping conversation drives", "active", n)
	}
	o.shutdown()
	o.wg.Wait()
}

func (o *Orchestrator) validateRoster(roster []string) error {
	const op = "Orchestrator.Start"
	if len(roster) == 0 {
		return domain.NewSubSystemError(subsystem, op, domain.ErrInvalidRoster, "roster is empty")
	}
	seen := make(map[string]bool, len(roster))
	for _, name := range roster {
		if strings.TrimSpace(name) == "" {
			return domain.NewSubSystemError(subsystem, op, domain.ErrInvalidRoster, "roster contains an empty name")
		}
		if seen[name] {
			return domain.NewSubSystemError(subsystem, op, domain.ErrInvalidRoster, fmt.Sprintf("duplicate agent %q", name))
		}
		seen[name] = true
		if _, _, err := o.agents.Agent(name); err != nil {
			return domain.NewSubSystemError(subsystem, op, domain.ErrInvalidRoster, fmt.Sprintf("unknown agent %q", name))
		}
	}
	return nil
}

// claim takes the in-process slot and, when configured, the session lease.
func (o *Orchestrator) claim(ctx context.Context, sessionID string) (*DriveSlot, error) {
	busy := domain.NewSubSystemError(subsystem, "Orchestrator.claim", domain.ErrSessionBusy, sessionID)

	slot, ok := o.registry.TryAcquire(sessionID)
	if !ok {
		return nil, busy
	}
	if o.lease == nil {
		return slot, nil
	}
	held, err := o.lease.Acquire(ctx, sessionID)
	if err != nil {
		o.registry.Release(sessionID, slot, nil)
		return nil, fmt.Errorf("acquire session lease: %w", err)
	}
	if !held {
		o.registry.Release(sessionID, slot, nil)
		return nil, busy
	}
	return slot, nil
}

func (o *Orchestrator) release(sessionID string, slot *DriveSlot, err error) {
	if o.lease != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(o.baseCtx), o.cfg.PersistTimeout)
		defer cancel()
		if lerr := o.lease.Release(ctx, sessionID); lerr != nil {
			o.logger.Warn("failed to release session lease", "session_id", sessionID, "error", lerr)
		}
	}
	o.registry.Release(sessionID, slot, err)
}

func (o *Orchestrator) launch(sess *domain.ConversationSession, slot *DriveSlot) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		err := o.drive(o.baseCtx, sess, slot)
		o.release(sess.ID, slot, err)
	}()
}

// keepLease refreshes the session lease until the returned stop is called.
// Once the lease turns out to be held by someone else the slot is marked and
// refreshing stops; other refresh errors are retried on the next tick.
func (o *Orchestrator) keepLease(ctx context.Context, sessionID string, slot *DriveSlot) (stop func()) {
	if o.lease == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.cfg.LeaseRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := o.lease.Refresh(ctx, sessionID)
				if err == nil || ctx.Err() != nil {
					continue
				}
				if errors.Is(err, domain.ErrSessionBusy) {
					o.logger.Warn("session lease lost", "session_id", sessionID, "error", err)
					slot.markLeaseLost()
					return
				}
				o.logger.Warn("failed to refresh session lease", "session_id", sessionID, "error", err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (o *Orchestrator) persist(ctx context.Context, sess *domain.ConversationSession) error {
	for attempt := 0; ; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, o.cfg.PersistTimeout)
		err := o.sessions.SaveSession(pctx, sess)
		cancel()
		if err == nil {
			return nil
		}
		timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrTimeout)
		if !timedOut || attempt > 0 || ctx.Err() != nil {
			return err
		}
		o.logger.Warn("session persist timed out, retrying", "session_id", sess.ID, "error", err)
	}
}

// finish moves sess to a terminal status, persists it and announces it.
func (o *Orchestrator) finish(ctx context.Context, sess *domain.ConversationSession, status domain.SessionStatus, reason string) error {
	next := sess.Clone()
	next.Status = status
	next.FailureReason = reason
	next.UpdatedAt = o.now()
	if err := o.persist(ctx, next); err != nil {
		return err
	}
	*sess = *next

	if status == domain.SessionCancelled {
		if err := o.sessions.ClearCancel(ctx, sess.ID); err != nil {
			o.logger.Warn("failed to clear cancel request", "session_id", sess.ID, "error", err)
		}
	}

	eventType := map[domain.SessionStatus]domain.EventType{
		domain.SessionCompleted: domain.EventSessionCompleted,
		domain.SessionCancelled: domain.EventSessionCancelled,
		domain.SessionError:     domain.EventSessionError,
	}[status]
	o.emit(ctx, eventType, sess.ID, domain.SessionEventPayload{
		Status:     status,
		TotalTurns: len(sess.Turns),
		Reason:     reason,
	})
	o.logger.Info("conversation finished",
		"session_id", sess.ID, "status", string(status), "turns", len(sess.Turns), "reason", reason)
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, t domain.EventType, sessionID string, payload any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ctx, domain.NewEvent(t, sessionID, payload))
}

func (o *Orchestrator) cancelRequested(ctx context.Context, sessionID string, slot *DriveSlot) bool {
	if slot.CancelRequested() {
		return true
	}
	flagged, err := o.sessions.CancelRequested(ctx, sessionID)
	if err != nil {
		o.logger.Warn("failed to read cancel flag", "session_id", sessionID, "error", err)
		return false
	}
	return flagged
}

func (o *Orchestrator) selectionInput(sess *domain.ConversationSession) turn.Input {
	roles := make(map[string]string, len(sess.Roster))
	for _, name := range sess.Roster {
		if id, _, err := o.agents.Agent(name); err == nil {
			roles[name] = id.RoleDescription()
		}
	}
	return turn.Input{
		Roster:    sess.Roster,
		History:   sess.Turns,
		Mode:      sess.Mode,
		Objective: sess.Objective,
		Roles:     roles,
	}
}

// errInterrupted marks a drive stopped by orchestrator shutdown.
var errInterrupted = errors.New("drive interrupted by shutdown")

// drive runs turns until the session reaches a terminal status, fails to
// persist, or the orchestrator shuts down.
func (o *Orchestrator) drive(ctx context.Context, sess *domain.ConversationSession, slot *DriveSlot) error {
	stop := o.keepLease(ctx, sess.ID, slot)
	defer stop()

	for {
		done, err := o.step(ctx, sess, slot)
		if errors.Is(err, errInterrupted) || (err != nil && ctx.Err() != nil) {
			o.logger.Info("conversation interrupted", "session_id", sess.ID, "turns", len(sess.Turns))
			return nil
		}
		if errors.Is(err, domain.ErrSessionBusy) {
			// Another driver owns the session now; leave its state alone.
			o.logger.Warn("conversation drive abandoned", "session_id", sess.ID, "turns", len(sess.Turns), "error", err)
			return err
		}
		if err != nil {
			o.logger.Error("conversation drive failed", "session_id", sess.ID, "error", err)
			if !errors.Is(err, domain.ErrAgentInvocation) {
				o.emit(ctx, domain.EventSessionError, sess.ID, domain.SessionEventPayload{
					Status:     sess.Status,
					TotalTurns: len(sess.Turns),
					Reason:     err.Error(),
				})
			}
			return err
		}
		if done {
			return nil
		}
	}
}

// step runs the boundary checks and at most one turn. sess is replaced only
// by committed state.
func (o *Orchestrator) step(ctx context.Context, sess *domain.ConversationSession, slot *DriveSlot) (done bool, err error) {
	if ctx.Err() != nil {
		return true, errInterrupted
	}
	if slot.LeaseLost() {
		return true, domain.NewSubSystemError(subsystem, "Orchestrator.step", domain.ErrSessionBusy,
			"session lease lost to another driver")
	}
	if o.cancelRequested(ctx, sess.ID, slot) {
		return true, o.finish(ctx, sess, domain.SessionCancelled, "")
	}
	if sess.BudgetExhausted() {
		return true, o.finish(ctx, sess, domain.SessionCompleted, "")
	}

	speaker := sess.NextSpeaker
	if speaker == "" || !slices.Contains(sess.Roster, speaker) {
		if speaker, err = o.selector.Next(ctx, o.selectionInput(sess)); err != nil {
			return true, err
		}
	}
	var respondingTo string
	if last := sess.LastTurn(); last != nil {
		respondingTo = last.Sender
	}
	index := len(sess.Turns) + 1

	ctx, span := tracer.StartSpan(ctx, "conversation.turn",
		trace.WithAttributes(
			tracer.StringAttr("conversation.session_id", sess.ID),
			tracer.StringAttr("conversation.agent", speaker),
			tracer.IntAttr("conversation.turn_index", index),
		),
	)
	defer span.End()

	o.emit(ctx, domain.EventTurnStarting, sess.ID, domain.TurnEventPayload{
		TurnIndex:    index,
		Agent:        speaker,
		RespondingTo: respondingTo,
	})

	reply, err := o.invoke(ctx, sess, speaker, index)
	if err != nil {
		if ctx.Err() != nil {
			return true, errInterrupted
		}
		tracer.RecordError(span, err)
		if ferr := o.finish(ctx, sess, domain.SessionError, err.Error()); ferr != nil {
			return true, ferr
		}
		return true, err
	}

	next := sess.Clone()
	next.Turns = append(next.Turns, domain.Turn{
		Index:        index,
		Sender:       speaker,
		Message:      reply.Message,
		RespondingTo: respondingTo,
		Timestamp:    o.now(),
	})
	next.UpdatedAt = o.now()
	if reply.Complete {
		next.Status = domain.SessionCompleted
		next.NextSpeaker = ""
	} else if next.NextSpeaker, err = o.selector.Next(ctx, o.selectionInput(next)); err != nil {
		tracer.RecordError(span, err)
		return true, err
	}

	if err := o.persist(ctx, next); err != nil {
		err = domain.WrapOp("Orchestrator.step", err)
		tracer.RecordError(span, err)
		return true, err
	}
	*sess = *next

	o.recordTurn(ctx, sess, speaker, respondingTo, index, reply.Message)
	// No further turn will run on an exhausted budget until a resume, so no
	// speaker is announced. The persisted choice is kept for that resume.
	nextSpeaker := sess.NextSpeaker
	if sess.BudgetExhausted() {
		nextSpeaker = ""
	}
	o.emit(ctx, domain.EventTurnCompleted, sess.ID, domain.TurnEventPayload{
		TurnIndex:    index,
		Agent:        speaker,
		RespondingTo: respondingTo,
		Message:      reply.Message,
		NextSpeaker:  nextSpeaker,
	})
	tracer.SetOK(span)

	if sess.Status == domain.SessionCompleted {
		o.emit(ctx, domain.EventSessionCompleted, sess.ID, domain.SessionEventPayload{
			Status:     domain.SessionCompleted,
			TotalTurns: len(sess.Turns),
		})
		o.logger.Info("conversation finished",
			"session_id", sess.ID, "status", string(sess.Status), "turns", len(sess.Turns), "reason", "objective complete")
		return true, nil
	}
	return false, nil
}

// invoke asks speaker for its reply, retrying failed and empty replies.
func (o *Orchestrator) invoke(ctx context.Context, sess *domain.ConversationSession, speaker string, index int) (*domain.AgentReply, error) {
	const op = "Orchestrator.invoke"
	identity, responder, err := o.agents.Agent(speaker)
	if err != nil {
		return nil, domain.NewSubSystemError("agent", op, domain.ErrAgentInvocation, err.Error())
	}
	if !identity.Capabilities.Allows(domain.CapRespond) {
		return nil, domain.NewSubSystemError("agent", op, domain.ErrAgentInvocation,
			fmt.Sprintf("agent %q lacks %s", speaker, domain.CapRespond))
	}

	req := domain.AgentRequest{
		SessionID: sess.ID,
		Agent:     speaker,
		Objective: sess.Objective,
		TurnIndex: index,
		History:   slices.Clone(sess.Turns),
	}
	if identity.Capabilities.Allows(domain.CapKnowledgeRead) {
		req.Context = o.retrieveContext(ctx, sess, speaker)
	}

	attempts := 1 + o.cfg.MaxAgentRetries
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, o.cfg.AgentTimeout)
		reply, err := responder.Respond(actx, req)
		cancel()
		switch {
		case err != nil:
			lastErr = err
		case reply == nil || strings.TrimSpace(reply.Message) == "":
			lastErr = errors.New("empty reply")
		default:
			return reply, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Warn("agent attempt failed",
			"session_id", sess.ID, "agent", speaker, "attempt", attempt, "of", attempts, "error", lastErr)
	}
	return nil, domain.NewSubSystemError("agent", op, domain.ErrAgentInvocation,
		fmt.Sprintf("agent %q failed after %d attempts: %v", speaker, attempts, lastErr))
}

func (o *Orchestrator) retrieveContext(ctx context.Context, sess *domain.ConversationSession, speaker string) []domain.RetrievalResult {
	if o.cfg.ContextTopK == 0 {
		return nil
	}
	probe := sess.Objective
	if last := sess.LastTurn(); last != nil {
		probe += "\n" + last.Message
	}
	results, err := o.knowledge.Retrieve(ctx, retrieval.Query{
		Text:        probe,
		AgentName:   speaker,
		SessionID:   sess.ID,
		WithSession: true,
		TopK:        o.cfg.ContextTopK,
		DecayFactor: o.cfg.DecayFactor,
	})
	if err != nil {
		o.logger.Warn("context retrieval failed, continuing without context",
			"session_id", sess.ID, "agent", speaker, "error", err)
		return nil
	}
	return results
}

func (o *Orchestrator) recordTurn(ctx context.Context, sess *domain.ConversationSession, speaker, respondingTo string, index int, message string) {
	identity, _, err := o.agents.Agent(speaker)
	if err != nil || !identity.Capabilities.Allows(domain.CapKnowledgeWrite) {
		return
	}
	_, err = o.knowledge.Record(ctx, domain.KnowledgeEntry{
		AgentName:    speaker,
		Kind:         domain.KindAgentChat,
		Content:      message,
		RelatedAgent: respondingTo,
		SessionID:    sess.ID,
		Metadata: map[string]string{
			"conversation_id": sess.ID,
			"turn":            strconv.Itoa(index),
		},
	})
	if err != nil {
		o.logger.Warn("failed to record turn", "session_id", sess.ID, "turn", index, "error", err)
	}
}

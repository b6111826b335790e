// Package mirror replicates feeds into an append-only, git-backed working
// tree.
//
// A Mirror holds one stream subscription per feed, writes each delivered
// event to events/{feed}/{date}/{id}.json and batches them into commits by
// size or age. With a remote configured, every commit is followed by an
// append-only check against the remote tip, a rebase onto it and a push.
// Failures at any stage keep the data (in the batch or in local commits)
// and are retried on the next flush.
//
// The mirror loop is single-threaded: subscriptions hand events to it over
// a channel and only the loop touches the batch and the working tree.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/switchboard/pkg/clock"
	"github.com/daviddao/switchboard/pkg/git"
	"github.com/daviddao/switchboard/pkg/logging"
	"github.com/daviddao/switchboard/pkg/model"
	"github.com/daviddao/switchboard/pkg/stream"
	"github.com/daviddao/switchboard/pkg/telemetry"
)

// Defaults for zero Config fields.
const (
	DefaultBatchSize    = 10
	DefaultBatchTimeout = 5 * time.Second
	DefaultBranch       = "main"
	DefaultHeartbeat    = 15 * time.Second
	DefaultLockStale    = 60 * time.Second

	shutdownTimeout = 30 * time.Second
)

// State is the mirror's lifecycle position.
type State string

const (
	StateStarting     State = "starting"
	StateLockAcquired State = "lock_acquired"
	StateStreaming    State = "streaming"
	StateCommitting   State = "committing"
	StatePushing      State = "pushing"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
)

// VCS is the version-control capability the mirror needs. *git.Repository
// implements it.
type VCS interface {
	InitRepo(ctx context.Context) error
	ConfigureRemote(ctx context.Context, rawURL, token string) (string, error)
	StageAll(ctx context.Context) error
	Commit(ctx context.Context, message string) (string, error)
	HeadSHA(ctx context.Context) (string, error)
	CheckAppendOnly(ctx context.Context, branch string) error
	FetchAndRebase(ctx context.Context, branch string) error
	Push(ctx context.Context, branch string) error
}

var _ VCS = (*git.Repository)(nil)

// Streamer delivers one feed's events. *stream.Subscriber implements it.
type Streamer interface {
	Run(ctx context.Context, h stream.Handler) error
}

// Config configures a Mirror.
type Config struct {
	Dir     string
	FeedIDs []string

	BatchSize    int
	BatchTimeout time.Duration

	// RemoteURL enables push mode. RemoteToken is embedded in the remote
	// URL and never logged.
	RemoteURL    string
	RemoteToken  string
	RemoteBranch string

	// HealthAddr, if set, serves GET /health while Run is active.
	HealthAddr string

	Heartbeat time.Duration
	LockStale time.Duration

	// Subscribe opens the stream for one feed.
	Subscribe func(feedID string) Streamer

	// VCS defaults to a git repository at Dir.
	VCS VCS

	Clock  clock.Clock
	Logger *slog.Logger
}

// Mirror is one mirror instance.
type Mirror struct {
	cfg        Config
	vcs        VCS
	clock      clock.Clock
	logger     *slog.Logger
	tracer     trace.Tracer
	instanceID string
	startedAt  time.Time

	// Owned by the Run loop. unwritten holds events whose file write
	// failed; they are retried before every flush.
	batch      []model.Event
	unwritten  []model.Event
	batchTimer *time.Timer

	mu     sync.Mutex
	status status
}

// status is the mutable part of the health readout.
type status struct {
	state          State
	lastPushedSHA  string
	lastLocalSHA   string
	lastEventID    string
	lastEventTS    string
	pendingEvents  int
	committed      int
	pushFailures   int
	invariantFails int
}

// New validates cfg and returns a Mirror in the starting state.
func New(cfg Config) (*Mirror, error) {
	if cfg.Dir == "" {
		return nil, model.Invalid("dir", "is required")
	}
	if len(cfg.FeedIDs) == 0 {
		return nil, model.Invalid("feed_ids", "is required")
	}
	for _, id := range cfg.FeedIDs {
		if !model.IsUUID(id) {
			return nil, model.Invalid("feed_ids", fmt.Sprintf("%q is not a UUID", id))
		}
	}
	if cfg.Subscribe == nil {
		return nil, errors.New("mirror: Subscribe is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if cfg.RemoteBranch == "" {
		cfg.RemoteBranch = DefaultBranch
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.LockStale <= 0 {
		cfg.LockStale = DefaultLockStale
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	vcs := cfg.VCS
	if vcs == nil {
		vcs = git.NewRepository(cfg.Dir)
	}
	id := uuid.NewString()
	return &Mirror{
		cfg:        cfg,
		vcs:        vcs,
		clock:      cfg.Clock,
		logger:     logging.OrDiscard(cfg.Logger).With("instance_id", id),
		tracer:     telemetry.Tracer(),
		instanceID: id,
		status:     status{state: StateStarting},
	}, nil
}

// InstanceID identifies this mirror process in the lock file.
func (m *Mirror) InstanceID() string { return m.instanceID }

// State returns the current lifecycle state.
func (m *Mirror) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.state
}

func (m *Mirror) setState(s State) {
	m.mu.Lock()
	m.status.state = s
	m.mu.Unlock()
}

// Start prepares the working tree and takes the advisory lock. Errors here
// are fatal to the process.
func (m *Mirror) Start(ctx context.Context) error {
	m.setState(StateStarting)
	m.startedAt = m.clock.Now()

	if err := m.vcs.InitRepo(ctx); err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	if err := EnsureLayout(m.cfg.Dir, m.startedAt); err != nil {
		return fmt.Errorf("prepare layout: %w", err)
	}
	if m.cfg.RemoteURL != "" {
		action, err := m.vcs.ConfigureRemote(ctx, m.cfg.RemoteURL, m.cfg.RemoteToken)
		if err != nil {
			return fmt.Errorf("configure remote: %w", err)
		}
		m.logger.Info("remote configured", "remote", git.RedactURL(m.cfg.RemoteURL),
			"branch", m.cfg.RemoteBranch, "action", action)
	}

	held, err := AcquireLock(m.cfg.Dir, m.instanceID, m.startedAt, m.cfg.LockStale)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if held != nil {
		m.logger.Warn("lock held by another instance with a recent heartbeat; proceeding",
			"holder", held.InstanceID, "heartbeat_age", m.startedAt.Sub(held.LastHeartbeat).Round(time.Second))
	}
	m.setState(StateLockAcquired)
	m.logger.Info("mirror started", "dir", m.cfg.Dir, "feed_ids", m.cfg.FeedIDs,
		"push", m.cfg.RemoteURL != "", "batch_size", m.cfg.BatchSize, "batch_timeout", m.cfg.BatchTimeout)
	return nil
}

// Run streams every configured feed into the working tree until ctx is
// cancelled, then commits whatever is pending. Start must have succeeded.
func (m *Mirror) Run(ctx context.Context) error {
	if m.State() != StateLockAcquired {
		return errors.New("mirror: Run called before Start")
	}

	g, gctx := errgroup.WithContext(ctx)
	events := make(chan model.Event)

	for _, feedID := range m.cfg.FeedIDs {
		sub := m.cfg.Subscribe(feedID)
		g.Go(func() error {
			return sub.Run(gctx, func(ctx context.Context, ev model.Event) error {
				select {
				case events <- ev:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		})
	}
	g.Go(func() error {
		m.heartbeatLoop(gctx)
		return nil
	})
	if m.cfg.HealthAddr != "" {
		g.Go(func() error { return m.serveHealth(gctx) })
	}

	m.setState(StateStreaming)
	m.loop(gctx, events)

	m.setState(StateShuttingDown)
	m.logger.Info("mirror shutting down")
	err := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	m.flush(flushCtx, false)
	m.stopTimer()
	m.setState(StateStopped)
	m.logger.Info("mirror stopped", "pending_events", len(m.batch)+len(m.unwritten))
	return err
}

func (m *Mirror) loop(ctx context.Context, events <-chan model.Event) {
	for {
		var timeout <-chan time.Time
		if m.batchTimer != nil {
			timeout = m.batchTimer.C
		}
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			m.accept(ctx, ev)
		case <-timeout:
			m.batchTimer = nil
			m.flush(ctx, true)
		}
	}
}

// accept records one delivered event and adds it to the batch once its
// file is written.
func (m *Mirror) accept(ctx context.Context, ev model.Event) {
	m.mu.Lock()
	m.status.lastEventID = ev.EventID
	m.status.lastEventTS = ev.TS
	m.mu.Unlock()

	added := m.write(ev)
	m.updatePending()
	if added && len(m.batch) >= m.cfg.BatchSize {
		m.flush(ctx, true)
		return
	}
	m.armTimer()
}

// write stores ev under the working tree and reports whether it joined the
// batch. A failed write parks ev in m.unwritten; a rewrite of an existing
// event file is an invariant violation and ev is dropped.
func (m *Mirror) write(ev model.Event) bool {
	log := m.logger.With("feed_id", ev.FeedID, "event_id", ev.EventID)

	rel, written, err := WriteEvent(m.cfg.Dir, &ev)
	if err != nil {
		if errors.Is(err, model.ErrInvariant) {
			m.mu.Lock()
			m.status.invariantFails++
			m.mu.Unlock()
			log.Error("refusing to rewrite event file", "error", err)
			return false
		}
		log.Error("write event failed; will retry", "error", err)
		m.unwritten = append(m.unwritten, ev)
		return false
	}
	if !written {
		log.Debug("event already mirrored", "path", rel)
		return false
	}
	if ev.Type == model.TypeSnapshot {
		if snap, _, err := WriteSnapshot(m.cfg.Dir, &ev); err != nil {
			log.Warn("render snapshot failed", "error", err)
		} else {
			log.Debug("snapshot rendered", "path", snap)
		}
	}
	m.batch = append(m.batch, ev)
	log.Debug("event mirrored", "path", rel, "pending", len(m.batch))
	return true
}

// retryWrites attempts every parked write again, in delivery order.
func (m *Mirror) retryWrites() {
	if len(m.unwritten) == 0 {
		return
	}
	parked := m.unwritten
	m.unwritten = nil
	for _, ev := range parked {
		m.write(ev)
	}
	if n := len(m.unwritten); n > 0 {
		m.logger.Warn("event writes still failing", "count", n)
	}
	m.updatePending()
}

func (m *Mirror) armTimer() {
	if m.batchTimer == nil && (len(m.batch) > 0 || len(m.unwritten) > 0) {
		m.batchTimer = time.NewTimer(m.cfg.BatchTimeout)
	}
}

func (m *Mirror) stopTimer() {
	if m.batchTimer != nil {
		m.batchTimer.Stop()
		m.batchTimer = nil
	}
}

// updatePending publishes the number of events not yet committed.
func (m *Mirror) updatePending() {
	m.mu.Lock()
	m.status.pendingEvents = len(m.batch) + len(m.unwritten)
	m.mu.Unlock()
}

// flush retries parked writes, commits the pending batch as one commit, then
// pushes when a remote is configured and push is set. The batch is cleared
// only once the commit exists; while anything stays uncommitted the timer is
// re-armed.
func (m *Mirror) flush(ctx context.Context, push bool) {
	m.retryWrites()
	if len(m.batch) == 0 {
		m.armTimer()
		return
	}
	m.stopTimer()
	prev := m.State()
	m.setState(StateCommitting)
	defer m.setState(prev)

	n := len(m.batch)
	ctx, span := m.tracer.Start(ctx, "mirror.flush", trace.WithAttributes(attribute.Int("count", n)))
	defer span.End()

	sha, err := m.commit(ctx, n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("commit failed; batch retained", "count", n, "error", err)
		m.armTimer()
		return
	}
	m.batch = nil
	m.mu.Lock()
	m.status.lastLocalSHA = sha
	m.status.committed += n
	m.mu.Unlock()
	m.updatePending()
	m.armTimer()
	m.logger.Info("committed batch", "count", n, "sha", sha)

	if push && m.cfg.RemoteURL != "" {
		m.setState(StatePushing)
		m.push(ctx)
	}
}

func (m *Mirror) commit(ctx context.Context, n int) (string, error) {
	if err := m.vcs.StageAll(ctx); err != nil {
		return "", fmt.Errorf("stage: %w", err)
	}
	sha, err := m.vcs.Commit(ctx, CommitMessage(n))
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return sha, nil
}

// CommitMessage is the message of a commit holding n events.
func CommitMessage(n int) string {
	return fmt.Sprintf("Mirror: add %d event(s)", n)
}

// push runs check, rebase and push. Each stage failing leaves the commits
// local for the next flush.
func (m *Mirror) push(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "mirror.push")
	defer span.End()
	branch := m.cfg.RemoteBranch

	fail := func(stage string, err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		m.mu.Lock()
		m.status.pushFailures++
		if errors.Is(err, model.ErrInvariant) {
			m.status.invariantFails++
		}
		m.mu.Unlock()
	}

	if err := m.vcs.CheckAppendOnly(ctx, branch); err != nil {
		fail("append-only check", err)
		if errors.Is(err, model.ErrInvariant) {
			m.logger.Error("append-only check failed; push skipped, commits kept locally", "error", err)
		} else {
			m.logger.Warn("append-only check could not run; push deferred", "error", err)
		}
		return
	}
	if err := m.vcs.FetchAndRebase(ctx, branch); err != nil {
		fail("rebase", err)
		m.logger.Warn("fetch/rebase failed; push deferred", "error", err)
		return
	}
	if err := m.vcs.Push(ctx, branch); err != nil {
		fail("push", err)
		m.logger.Warn("push failed; commits kept locally", "error", err)
		return
	}
	sha, err := m.vcs.HeadSHA(ctx)
	if err != nil {
		m.logger.Warn("pushed but could not read HEAD", "error", err)
		return
	}
	m.mu.Lock()
	m.status.lastPushedSHA = sha
	m.status.lastLocalSHA = sha
	m.mu.Unlock()
	span.SetAttributes(attribute.String("sha", sha))
	m.logger.Info("pushed", "branch", branch, "sha", sha)
}

func (m *Mirror) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(m.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prev, err := Heartbeat(m.cfg.Dir, m.instanceID, m.startedAt, m.clock.Now())
			if err != nil {
				m.logger.Warn("heartbeat failed", "error", err)
				continue
			}
			if prev != nil {
				m.logger.Warn("lock was taken over by another instance; reclaimed", "holder", prev.InstanceID)
			}
		}
	}
}

func (m *Mirror) serveHealth(ctx context.Context) error {
	srv := &http.Server{
		Addr:              m.cfg.HealthAddr,
		Handler:           m.HealthHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	m.logger.Info("health server listening", "addr", m.cfg.HealthAddr)

	select {
	case err := <-errCh:
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

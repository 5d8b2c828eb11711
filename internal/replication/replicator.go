package replication

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/chatmodel"
	"github.com/techresidents/chatsvc/internal/hashring"
	"github.com/techresidents/chatsvc/internal/svcerr"
	"github.com/techresidents/chatsvc/internal/workerpool"
)

// defaultMaxErrors is spec.md §4.5's default quorum-failure threshold.
const defaultMaxErrors = 2

// Job is one replication request: N total copies of messages for chat,
// requiring W to succeed. Nodes, when non-nil, overrides the computed
// preference list (used by catch-up replication to target only the newly
// gained peers).
type Job struct {
	Chat     *chatmodel.Chat
	Messages []chatmodel.Message
	N, W     int
	Nodes    []hashring.Node
}

// Config configures a Replicator.
type Config struct {
	SelfServiceKey  string
	Client          PeerClient
	Ring            *hashring.Hashring
	Manager         *chatmodel.ChatManager
	ConnPool        *ConnPool
	WorkerCount     int
	QueueSize       int
	DefaultN        int
	DefaultW        int
	MaxErrors       int // 0 -> defaultMaxErrors
	SendTimeout     time.Duration
	AllowSameHost   bool
	Logger          zerolog.Logger
}

// Replicator is the fixed-size worker pool consuming replication jobs
// described in spec.md §4.5.
type Replicator struct {
	selfServiceKey string
	client         PeerClient
	ring           *hashring.Hashring
	manager        *chatmodel.ChatManager
	connPool       *ConnPool
	pool           *workerpool.Pool
	defaultN       int
	defaultW       int
	maxErrors      int
	sendTimeout    time.Duration
	allowSameHost  bool
	logger         zerolog.Logger
}

func New(cfg Config) *Replicator {
	maxErrors := cfg.MaxErrors
	if maxErrors == 0 {
		maxErrors = defaultMaxErrors
	}
	return &Replicator{
		selfServiceKey: cfg.SelfServiceKey,
		client:         cfg.Client,
		ring:           cfg.Ring,
		manager:        cfg.Manager,
		connPool:       cfg.ConnPool,
		pool:           workerpool.New(cfg.WorkerCount, cfg.QueueSize, cfg.Logger),
		defaultN:       cfg.DefaultN,
		defaultW:       cfg.DefaultW,
		maxErrors:      maxErrors,
		sendTimeout:    cfg.SendTimeout,
		allowSameHost:  cfg.AllowSameHost,
		logger:         cfg.Logger.With().Str("component", "replicator").Logger(),
	}
}

// Start launches the worker pool and subscribes to hashring changes for
// catch-up replication (spec.md §4.5 "Ring-change catch-up").
func (r *Replicator) Start(ctx context.Context) {
	r.pool.Start(ctx)
	r.ring.Subscribe(r.onRingChange)
}

// Stop drains the worker pool. Per the shutdown order in spec.md §5, the
// hashring is stopped (positions withdrawn) before this is called.
func (r *Replicator) Stop() {
	r.pool.Stop()
}

// Replicate enqueues a replication job and returns its future immediately;
// callers block on Result.Wait up to their own timeout (spec.md §4.4 step 7
// / §4.5).
func (r *Replicator) Replicate(chat *chatmodel.Chat, messages []chatmodel.Message, n, w int) *Result {
	if n <= 0 {
		n = r.defaultN
	}
	if w <= 0 {
		w = r.defaultW
	}
	pl := r.ring.PreferenceList(chat.Token, !r.allowSameHost)
	if len(pl) > n {
		pl = pl[:n]
	}
	return r.submit(Job{Chat: chat, Messages: messages, N: n, W: w, Nodes: pl})
}

func (r *Replicator) submit(job Job) *Result {
	result := newResult(job.W, r.maxErrors)
	if err := r.pool.Submit(func() { r.runJob(job, result) }); err != nil {
		result.finish(svcerr.Unavailable("replicator is shutting down"))
	}
	return result
}

func (r *Replicator) runJob(job Job, result *Result) {
	// The local copy is already committed to chat.messages by the caller
	// before the job was ever submitted, so it counts as one success
	// immediately (spec.md §4.5 job coordinator, step 1).
	result.addSuccess()

	remote := make([]hashring.Node, 0, len(job.Nodes))
	for _, node := range job.Nodes {
		if node.ServiceKey == r.selfServiceKey {
			continue
		}
		remote = append(remote, node)
	}

	concurrency := job.W - 1
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	done := make(chan struct{}, len(remote))
	for _, node := range remote {
		sem <- struct{}{}
		go func(n hashring.Node) {
			defer func() { <-sem; done <- struct{}{} }()
			r.send(job, n, result)
		}(node)
	}
	for range remote {
		<-done
	}

	successes, _ := result.finalize()
	if successes >= job.W && successes < job.N {
		r.logger.Warn().
			Str("token", job.Chat.Token).
			Int("successes", successes).
			Int("n", job.N).
			Msg("replication satisfied quorum but short of full N")
	}
}

func (r *Replicator) send(job Job, node hashring.Node, result *Result) {
	ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
	defer cancel()

	release, err := r.connPool.Acquire(ctx, node.ServiceKey)
	if err != nil {
		result.addError()
		return
	}
	defer release()

	snapshot := BuildSnapshot(job.Chat, job.Messages)
	if err := r.client.Replicate(ctx, node, snapshot); err != nil {
		r.logger.Warn().Err(err).Str("peer", node.ServiceKey).Str("token", job.Chat.Token).Msg("replicate send failed")
		result.addError()
		return
	}
	result.addSuccess()
}

// onRingChange implements the catch-up mechanism of spec.md §4.5: for every
// locally-tracked chat where this node is (or was) primary, if the
// preference list gained peers under the new view, send them a full
// snapshot.
func (r *Replicator) onRingChange(event hashring.ChangeEvent) error {
	for token, chat := range r.manager.All() {
		prevPL := hashring.PreferenceList(token, event.Previous, !r.allowSameHost)
		currPL := hashring.PreferenceList(token, event.Current, !r.allowSameHost)
		if len(prevPL) > r.defaultN {
			prevPL = prevPL[:r.defaultN]
		}
		if len(currPL) > r.defaultN {
			currPL = currPL[:r.defaultN]
		}

		wasPrimary := len(prevPL) > 0 && prevPL[0].ServiceKey == r.selfServiceKey
		isPrimary := len(currPL) > 0 && currPL[0].ServiceKey == r.selfServiceKey
		if !wasPrimary && !isPrimary {
			continue
		}

		prevKeys := make(map[string]bool, len(prevPL))
		for _, n := range prevPL {
			prevKeys[n.ServiceKey] = true
		}
		var gained []hashring.Node
		for _, n := range currPL {
			if n.ServiceKey == r.selfServiceKey {
				continue
			}
			if !prevKeys[n.ServiceKey] {
				gained = append(gained, n)
			}
		}
		if len(gained) == 0 {
			continue
		}

		count := len(gained) + 1
		r.logger.Info().Str("token", token).Int("newPeers", len(gained)).Msg("ring change triggered catch-up replication")
		r.submit(Job{Chat: chat, Messages: nil, N: count, W: count, Nodes: gained})
	}
	return nil
}

package model

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/hanpama/protosync/internal/broadcast"
	"github.com/hanpama/protosync/internal/config"
	"github.com/hanpama/protosync/internal/debounce"
	"github.com/hanpama/protosync/internal/origin"
	"github.com/hanpama/protosync/internal/patch"
	"github.com/hanpama/protosync/internal/protocol"
	"github.com/hanpama/protosync/internal/state"
)

// Option configures a binding.
type Option func(*options)

type options struct {
	origins   origin.Source
	validator Validator
}

// WithOrigins sets the source the binding's origin id is minted from.
func WithOrigins(src origin.Source) Option { return func(o *options) { o.origins = src } }

// WithValidator sets the validator run before persisting. It replaces the
// Required validator built from the binding configuration.
func WithValidator(v Validator) Option { return func(o *options) { o.validator = v } }

func newOptions(cfg config.Binding, opts []Option) options {
	o := options{origins: origin.ULIDSource{}}
	if len(cfg.Required) > 0 {
		o.validator = Required(cfg.Required...)
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// binding holds what Model and Collection share.
type binding struct {
	s         *Syncer
	cfg       config.Binding
	origin    origin.ID
	validator Validator
	log       zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	saving   atomic.Int32
	dirty    atomic.Bool

	mu     sync.Mutex
	unsubs []func()
	closed bool
}

func newBinding(s *Syncer, cfg config.Binding, o options) (*binding, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &binding{
		s:         s,
		cfg:       cfg,
		origin:    o.origins.Next(),
		validator: o.validator,
	}
	b.log = s.Log.With().Str("path", cfg.Path).Str("protocol", cfg.Protocol).Str("origin", string(b.origin)).Logger()
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b, nil
}

func (b *binding) track(unsub func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubs = append(b.unsubs, unsub)
}

// listen subscribes the reconciliation handlers. Both are guarded so the
// binding never applies its own broadcasts.
func (b *binding) listen(onUpdate, onDelete broadcast.Handler) {
	b.track(b.s.Bus.Subscribe(broadcast.UpdateChannel(b.cfg.Protocol), broadcast.Guard(b.origin, onUpdate)))
	b.track(b.s.Bus.Subscribe(broadcast.DeleteChannel(b.cfg.Protocol), broadcast.Guard(b.origin, onDelete)))
}

// frozen reports whether an earlier failure blocks autosave.
func (b *binding) frozen() bool {
	_, failed := b.s.Failed(b.cfg.Path)
	return failed
}

func (b *binding) validate(value any) error {
	if b.validator == nil {
		return nil
	}
	if err := b.validator.Validate(value); err != nil {
		return &ValidationError{Path: b.cfg.Path, Msg: err.Error()}
	}
	return nil
}

// dispatch runs an autosave action without blocking the mutation that
// produced it. Errors are recorded by the Syncer and only logged here. then,
// when not nil, runs after the action succeeded.
func (b *binding) dispatch(a patch.Action, announce string, then func(context.Context) error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.inflight.Add(1)
	b.mu.Unlock()
	b.saving.Add(1)
	go func() {
		defer b.inflight.Done()
		defer b.saving.Add(-1)
		if err := b.s.Apply(b.ctx, b.cfg.Path, b.cfg.Protocol, b.origin, a, announce); err != nil {
			b.log.Warn().Err(err).Str("action", a.Op.String()).Msg("autosave failed")
			return
		}
		if then != nil {
			if err := then(b.ctx); err != nil {
				b.log.Warn().Err(err).Str("action", a.Op.String()).Msg("autosave follow-up failed")
				return
			}
		}
		b.dirty.Store(false)
	}()
}

// run executes a caller-initiated operation, counting it as a save for
// Status when saving is true.
func (b *binding) run(saving bool, fn func() error) error {
	if saving {
		b.saving.Add(1)
		defer b.saving.Add(-1)
	}
	err := fn()
	if err == nil && saving {
		b.dirty.Store(false)
	}
	return err
}

// Wait blocks until every autosave started so far has finished.
func (b *binding) Wait() { b.inflight.Wait() }

// Origin returns the id the binding's broadcasts carry.
func (b *binding) Origin() origin.ID { return b.origin }

// Path returns the bound path.
func (b *binding) Path() string { return b.cfg.Path }

// Protocol returns the bound protocol name.
func (b *binding) Protocol() string { return b.cfg.Protocol }

// ClearError removes the error marker so that autosave resumes.
func (b *binding) ClearError() error { return b.s.ClearError(b.cfg.Path) }

func (b *binding) close(extra func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	if extra != nil {
		extra()
	}
	b.inflight.Wait()
	b.cancel()
}

func (b *binding) status(scheduled bool) Status {
	path := b.cfg.Path
	switch {
	case b.frozen():
		return StatusError
	case b.s.Tree.Pending(path):
		return StatusLoading
	case b.saving.Load() > 0:
		return StatusSaving
	case scheduled || b.dirty.Load():
		return StatusDirty
	case b.s.Tree.Get(path) == nil:
		return StatusEmpty
	}
	return StatusLoaded
}

// Model keeps the entity at one path in sync with a protocol.
type Model struct {
	*binding
	sched *debounce.Scheduler
	// id is the last id observed at the path; deleting the node leaves
	// nothing to read it from.
	id atomic.Value
}

// Bind binds cfg.Path to cfg.Protocol. The returned Model reconciles
// broadcasts from other bindings immediately and, with cfg.AutoSave,
// persists local edits.
func Bind(s *Syncer, cfg config.Binding, opts ...Option) (*Model, error) {
	b, err := newBinding(s, cfg, newOptions(cfg, opts))
	if err != nil {
		return nil, err
	}
	m := &Model{binding: b, sched: debounce.New()}
	m.id.Store("")
	m.observe()
	m.listen(m.onUpdate, m.onDelete)
	if cfg.AutoSave {
		m.track(s.Tree.Subscribe(cfg.Path, m.onMutation, true))
	}
	return m, nil
}

func (m *Model) observe() {
	if id := protocol.IDOf(m.s.Tree.Get(m.cfg.Path)); id != "" {
		m.id.Store(id)
	}
}

func (m *Model) lastID() string { return m.id.Load().(string) }

// Save persists the bound entity.
func (m *Model) Save(ctx context.Context) (protocol.Entity, error) {
	var res protocol.Entity
	err := m.run(true, func() error {
		if v := m.s.Tree.Output(m.cfg.Path); v != nil {
			if err := m.validate(v); err != nil {
				return err
			}
		}
		var err error
		res, err = m.s.Save(ctx, m.cfg.Path, m.cfg.Protocol, m.origin)
		return err
	})
	return res, err
}

// Load fetches req into the bound path.
func (m *Model) Load(ctx context.Context, req protocol.Request) (any, error) {
	var v any
	err := m.run(false, func() error {
		var err error
		v, err = m.s.Load(ctx, m.cfg.Path, m.cfg.Protocol, req)
		return err
	})
	return v, err
}

// Create stores a new entity created from the protocol's defaults.
func (m *Model) Create(ctx context.Context) (protocol.Entity, error) {
	var e protocol.Entity
	err := m.run(false, func() error {
		var err error
		e, err = m.s.Create(ctx, m.cfg.Path, m.cfg.Protocol)
		return err
	})
	return e, err
}

// Delete removes the bound entity. id is used only when the entity has none.
func (m *Model) Delete(ctx context.Context, id string) error {
	return m.run(true, func() error {
		return m.s.Delete(ctx, m.cfg.Path, m.cfg.Protocol, m.origin, id)
	})
}

// Status reports the binding's lifecycle state.
func (m *Model) Status() Status { return m.status(m.sched.Pending(m.cfg.Path)) }

// Close stops reconciliation and autosave, cancels a pending debounced save
// and waits for remote calls already started.
func (m *Model) Close() error {
	m.close(m.sched.Close)
	return nil
}

func (m *Model) onUpdate(ctx context.Context, msg broadcast.Message) {
	incoming, ok := payloadEntity(msg)
	if !ok {
		return
	}
	cur := protocol.IDOf(m.s.Tree.Get(m.cfg.Path))
	if cur == "" || cur != protocol.IDOf(incoming) {
		return
	}
	if err := m.s.Tree.Scope(string(m.origin)).Set(m.cfg.Path, state.Clone(incoming)); err != nil {
		m.log.Error().Err(err).Msg("reconcile update")
	}
}

func (m *Model) onDelete(ctx context.Context, msg broadcast.Message) {
	id, ok := payloadID(msg)
	if !ok || id != protocol.IDOf(m.s.Tree.Get(m.cfg.Path)) {
		return
	}
	if err := m.s.Tree.Scope(string(m.origin)).Del(m.cfg.Path); err != nil {
		m.log.Error().Err(err).Msg("reconcile delete")
	}
}

func (m *Model) onMutation(ev state.Event) {
	m.observe()
	// Writes tagged with a source come from the sync layer and already
	// mirror the server.
	if ev.Source != "" || m.frozen() {
		return
	}
	if m.cfg.AutoSaveDelayMS > 0 && !(ev.Kind == state.Delete && len(ev.Sub) == 0) {
		if state.IsMeta(ev.Sub) || (ev.Kind == state.Set && len(ev.Sub) == 0) {
			return
		}
		m.dirty.Store(true)
		m.sched.Schedule(m.cfg.Path, m.cfg.Delay(), m.debouncedSave)
		return
	}
	a, ok := patch.Translate(m.lastID(), ev)
	if !ok {
		return
	}
	if a.Op == patch.OpDeleteEntity {
		m.sched.Cancel(m.cfg.Path)
	}
	if a.Op != patch.OpDeleteEntity {
		if err := m.validate(m.s.Tree.Output(m.cfg.Path)); err != nil {
			m.log.Debug().Err(err).Msg("autosave skipped")
			return
		}
	}
	if a.ID == "" {
		m.log.Warn().Str("action", a.Op.String()).Msg("autosave skipped: entity has no id")
		return
	}
	m.dirty.Store(true)
	m.dispatch(a, m.cfg.Path, nil)
}

func (m *Model) debouncedSave() {
	if m.frozen() {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.inflight.Add(1)
	m.mu.Unlock()
	defer m.inflight.Done()
	if _, err := m.Save(m.ctx); err != nil {
		m.log.Warn().Err(err).Msg("debounced save failed")
	}
}

func payloadEntity(msg broadcast.Message) (map[string]any, bool) {
	if len(msg.Payload) == 0 {
		return nil, false
	}
	e, ok := msg.Payload[0].(map[string]any)
	return e, ok
}

func payloadID(msg broadcast.Message) (string, bool) {
	if len(msg.Payload) == 0 {
		return "", false
	}
	id, ok := msg.Payload[0].(string)
	return id, ok && id != ""
}

// Package session manages knock attempts per profile: one-shot knocks,
// per-profile continuous knocking on a fixed interval, and status reporting
// to subscribers. Profile resolution and datagram delivery are injected, so
// the session itself never touches disk or opens sockets.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"knocker/config"
	"knocker/crypto"
	"knocker/protocol"
)

const (
	// DefaultKnockInterval is the continuous-mode re-send period. Servers
	// typically hold an authorization open for 30s, so 20s keeps it alive.
	DefaultKnockInterval = 20 * time.Second

	// DefaultDisplayTimeout is how long a terminal status is held before
	// reverting to idle for display purposes.
	DefaultDisplayTimeout = 3 * time.Second
)

// ErrClosed indicates an operation on a session after Close.
var ErrClosed = errors.New("session: closed")

// Phase is the lifecycle position of a profile's latest knock attempt.
type Phase string

const (
	// PhaseIdle means no attempt is underway.
	PhaseIdle Phase = "idle"
	// PhaseInFlight means an attempt is being built or sent.
	PhaseInFlight Phase = "in_flight"
	// PhaseSucceeded means the datagram was handed to the transport.
	PhaseSucceeded Phase = "succeeded"
	// PhaseFailed means the attempt failed to build or send.
	PhaseFailed Phase = "failed"
)

// State is the observable status of one profile.
type State struct {
	Phase Phase

	// Reason carries a human-readable failure cause when Phase is failed.
	Reason string

	// Continuous reports whether a repeating knock worker is active.
	Continuous bool
}

// Event is delivered to subscribers on every state change.
type Event struct {
	ProfileName string
	State       State
}

// ProfileSource resolves profiles by name. config.Store implements it.
type ProfileSource interface {
	Profile(name string) (*config.Profile, error)
}

// DatagramSender hands a knock datagram to the network. network.UDPSender
// implements it.
type DatagramSender interface {
	Send(host string, port uint16, payload []byte) error
}

// Recorder persists attempt outcomes. storage.Store implements it. Recording
// failures never fail the knock itself.
type Recorder interface {
	RecordKnock(profileName string, succeeded bool, reason string) error
}

// Options configures a Session.
type Options struct {
	// Profiles resolves profile names. Required.
	Profiles ProfileSource

	// Transport delivers knock datagrams. Required.
	Transport DatagramSender

	// Recorder, when set, receives every attempt outcome.
	Recorder Recorder

	// OnStatus, when set, receives every state change in addition to
	// Subscribe callbacks.
	OnStatus func(Event)

	// KnockInterval is the continuous-mode period. Zero means
	// DefaultKnockInterval.
	KnockInterval time.Duration

	// DisplayTimeout is how long terminal states are held before reverting
	// to idle. Zero means DefaultDisplayTimeout; negative disables the
	// reversion entirely for non-interactive callers.
	DisplayTimeout time.Duration

	// buildPacket is a test seam; defaults to protocol.NewPacket.
	buildPacket func(serverPublicKey, clientPrivateKey []byte, target net.IP) ([]byte, error)
}

func (o Options) withDefaults() Options {
	out := o
	if out.KnockInterval <= 0 {
		out.KnockInterval = DefaultKnockInterval
	}
	if out.DisplayTimeout == 0 {
		out.DisplayTimeout = DefaultDisplayTimeout
	}
	if out.buildPacket == nil {
		out.buildPacket = protocol.NewPacket
	}
	return out
}

type worker struct {
	stopped bool
	stopc   chan struct{}
	done    chan struct{}
}

// Session owns per-profile knock state: the status map, continuous-knock
// workers, and display-reversion timers.
type Session struct {
	options Options

	mu      sync.Mutex
	closed  bool
	states  map[string]State
	workers map[string]*worker
	reverts map[string]*time.Timer

	subMu       sync.Mutex
	subscribers map[string]func(Event)
}

// New creates a session with validated options.
func New(options Options) (*Session, error) {
	if options.Profiles == nil {
		return nil, errors.New("profile source is required")
	}
	if options.Transport == nil {
		return nil, errors.New("transport is required")
	}

	return &Session{
		options:     options.withDefaults(),
		states:      make(map[string]State),
		workers:     make(map[string]*worker),
		reverts:     make(map[string]*time.Timer),
		subscribers: make(map[string]func(Event)),
	}, nil
}

// Knock performs one knock for the named profile: resolve, build, send.
// It returns once the datagram is handed to the transport or the attempt
// fails; it never waits for a server response.
func (s *Session) Knock(profileName string) error {
	return s.knock(profileName, nil)
}

// KnockTo performs one knock asking the server to authorize target instead
// of the datagram's source address.
func (s *Session) KnockTo(profileName string, target net.IP) error {
	return s.knock(profileName, target)
}

func (s *Session) knock(profileName string, target net.IP) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	profile, err := s.options.Profiles.Profile(profileName)
	if err != nil {
		return s.finish(profileName, err)
	}

	s.setPhase(profileName, PhaseInFlight, "")

	serverKey, err := profile.ServerKey()
	if err != nil {
		return s.finish(profileName, fmt.Errorf("server public key: %w", err))
	}
	privateKey, err := crypto.DecodeKey(profile.PrivateKey)
	if err != nil {
		return s.finish(profileName, fmt.Errorf("client private key: %w", err))
	}

	packet, err := s.options.buildPacket(serverKey, privateKey, target)
	if err != nil {
		return s.finish(profileName, fmt.Errorf("build knock packet: %w", err))
	}

	if err := s.options.Transport.Send(profile.ServerHost, profile.ServerUDPPort, packet); err != nil {
		return s.finish(profileName, err)
	}
	return s.finish(profileName, nil)
}

// finish records the attempt outcome, updates status, and schedules the
// display reversion to idle.
func (s *Session) finish(profileName string, err error) error {
	if err == nil {
		s.setPhase(profileName, PhaseSucceeded, "")
	} else {
		s.setPhase(profileName, PhaseFailed, err.Error())
	}

	if s.options.Recorder != nil {
		// History is best effort; a full disk must not break knocking.
		_ = s.options.Recorder.RecordKnock(profileName, err == nil, reasonOf(err))
	}

	s.scheduleRevert(profileName)
	return err
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// StartContinuous begins knocking the named profile every KnockInterval,
// starting immediately. Starting again for the same profile replaces the
// existing worker without double-firing; other profiles are unaffected.
func (s *Session) StartContinuous(profileName string) error {
	if _, err := s.options.Profiles.Profile(profileName); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if prior := s.workers[profileName]; prior != nil {
		prior.stopped = true
		close(prior.stopc)
	}
	w := &worker{stopc: make(chan struct{}), done: make(chan struct{})}
	s.workers[profileName] = w
	state := s.states[profileName]
	state.Continuous = true
	s.states[profileName] = state
	s.mu.Unlock()

	s.emit(profileName, state)

	go s.runContinuous(profileName, w)
	return nil
}

func (s *Session) runContinuous(profileName string, w *worker) {
	defer close(w.done)

	ticker := time.NewTicker(s.options.KnockInterval)
	defer ticker.Stop()

	s.knockTick(profileName, w)
	for {
		select {
		case <-w.stopc:
			return
		case <-ticker.C:
			s.knockTick(profileName, w)
		}
	}
}

// knockTick guards each scheduled send with the same mutex StopContinuous
// takes, so no new knock starts once a stop has returned. Failures are
// terminal for the tick only; the next tick tries again.
func (s *Session) knockTick(profileName string, w *worker) {
	s.mu.Lock()
	stopped := w.stopped || s.closed
	s.mu.Unlock()
	if stopped {
		return
	}

	_ = s.knock(profileName, nil)
}

// StopContinuous cancels the named profile's continuous worker. Once it
// returns no further knock will be initiated for the profile, though a send
// already dispatched may still complete and report its outcome.
func (s *Session) StopContinuous(profileName string) {
	s.mu.Lock()
	w := s.workers[profileName]
	if w != nil {
		w.stopped = true
		close(w.stopc)
		delete(s.workers, profileName)
	}
	state := s.states[profileName]
	state.Continuous = false
	s.states[profileName] = state
	s.mu.Unlock()

	if w != nil {
		s.emit(profileName, state)
	}
}

// StopAll cancels every continuous worker.
func (s *Session) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.StopContinuous(name)
	}
}

// Close stops all workers and pending display reversions. The session
// rejects further knocks.
func (s *Session) Close() {
	s.StopAll()

	s.mu.Lock()
	s.closed = true
	for name, timer := range s.reverts {
		timer.Stop()
		delete(s.reverts, name)
	}
	s.mu.Unlock()
}

// Status returns the named profile's current state. Profiles never knocked
// report idle.
func (s *Session) Status(profileName string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[profileName]
	if !ok {
		return State{Phase: PhaseIdle}
	}
	return state
}

// Statuses returns a snapshot of every tracked profile state.
func (s *Session) Statuses() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]State, len(s.states))
	for name, state := range s.states {
		snapshot[name] = state
	}
	return snapshot
}

// Subscribe registers a status callback and returns its cancel function.
// Callbacks run synchronously on the goroutine that changed the state.
func (s *Session) Subscribe(fn func(Event)) (cancel func()) {
	token := uuid.NewString()

	s.subMu.Lock()
	s.subscribers[token] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, token)
		s.subMu.Unlock()
	}
}

func (s *Session) setPhase(profileName string, phase Phase, reason string) {
	s.mu.Lock()
	if timer := s.reverts[profileName]; timer != nil {
		timer.Stop()
		delete(s.reverts, profileName)
	}
	state := s.states[profileName]
	state.Phase = phase
	state.Reason = reason
	if phase == PhaseIdle && !state.Continuous {
		delete(s.states, profileName)
	} else {
		s.states[profileName] = state
	}
	s.mu.Unlock()

	s.emit(profileName, state)
}

// scheduleRevert arms the display-window timer that takes a terminal state
// back to idle. Disabled when DisplayTimeout is negative.
func (s *Session) scheduleRevert(profileName string) {
	if s.options.DisplayTimeout < 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if timer := s.reverts[profileName]; timer != nil {
		timer.Stop()
	}
	s.reverts[profileName] = time.AfterFunc(s.options.DisplayTimeout, func() {
		s.revert(profileName)
	})
	s.mu.Unlock()
}

func (s *Session) revert(profileName string) {
	s.mu.Lock()
	delete(s.reverts, profileName)
	state, ok := s.states[profileName]
	if !ok || (state.Phase != PhaseSucceeded && state.Phase != PhaseFailed) {
		s.mu.Unlock()
		return
	}
	state.Phase = PhaseIdle
	state.Reason = ""
	if state.Continuous {
		s.states[profileName] = state
	} else {
		delete(s.states, profileName)
	}
	s.mu.Unlock()

	s.emit(profileName, state)
}

func (s *Session) emit(profileName string, state State) {
	if s.options.OnStatus != nil {
		s.options.OnStatus(Event{ProfileName: profileName, State: state})
	}

	s.subMu.Lock()
	callbacks := make([]func(Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		callbacks = append(callbacks, fn)
	}
	s.subMu.Unlock()

	for _, fn := range callbacks {
		fn(Event{ProfileName: profileName, State: state})
	}
}

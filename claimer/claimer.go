// Package claimer drives a single claim.Machine instance: it hosts the
// 250 ms contention timer and the 0-150 ms random retry timer described in
// spec.md §4.4, translates incoming frames into state-machine events, and
// emits outgoing frames. It is the only package in this module that owns
// goroutines and timers for address claiming.
package claimer

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guoh27/j1939/claim"
	"github.com/guoh27/j1939/j1939"
)

// ContentionWindow is the 250 ms window spec.md §4.4 mandates the core use
// for every claim attempt, regardless of the optional fast-path the
// standard allows for addresses in [0,127] ∪ [248,253].
const ContentionWindow = 250 * time.Millisecond

// RetryDelayMax bounds the uniform random anti-collision delay armed after
// a cannot-claim announcement (spec.md §4.4: "[0, 150] ms").
const RetryDelayMax = 150 * time.Millisecond

// Directory is the slice of directory.Network the claimer needs: the pure
// guards claim.DirectoryView exposes, plus the two write operations the
// coordinator performs on behalf of its own NAME.
type Directory interface {
	claim.DirectoryView
	TryAddressClaim(name j1939.NAME, addr uint8) bool
	Release(name j1939.NAME)
}

// ErrAddressInUse tags the error callback for a directory-arbitration
// conflict observed while applying an incoming claim as fact (spec.md §7).
var ErrAddressInUse = errors.New("claimer: address already in use")

// Claimer drives one claim.Machine instance for one NAME. The zero value is
// not usable; construct with New.
type Claimer struct {
	name j1939.NAME
	dir  Directory
	log  *logrus.Entry

	machine *claim.Machine

	onGained func(name j1939.NAME, addr uint8)
	onLost   func(name j1939.NAME)
	onFrame  func(j1939.Frame)
	onError  func(error)

	cmds chan func()
	done chan struct{}

	contention *time.Timer
	retry      *time.Timer
	rng        *rand.Rand
}

// New constructs a Claimer for name, bound to dir. It does not start any
// goroutine or run the initial state-machine entry action until Start is
// called.
func New(name j1939.NAME, dir Directory, log *logrus.Entry) *Claimer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Claimer{
		name: name,
		dir:  dir,
		log:  log.WithField("name", uint64(name)),
		cmds: make(chan func(), 16),
		done: make(chan struct{}),
		rng:  rand.New(rand.NewSource(int64(name))),
	}
	c.contention = time.NewTimer(time.Hour)
	c.retry = time.NewTimer(time.Hour)
	c.contention.Stop()
	c.retry.Stop()
	c.machine = claim.New(name, c.actions())
	return c
}

// SetOnAddressGained installs the callback fired after the machine enters
// has_address.
func (c *Claimer) SetOnAddressGained(fn func(name j1939.NAME, addr uint8)) { c.onGained = fn }

// SetOnAddressLost installs the callback fired when the machine leaves
// has_address.
func (c *Claimer) SetOnAddressLost(fn func(name j1939.NAME)) { c.onLost = fn }

// SetOnFrame installs the sink for outbound frames the claimer produces.
func (c *Claimer) SetOnFrame(fn func(j1939.Frame)) { c.onFrame = fn }

// SetOnError installs the error callback (spec.md §7 taxonomy: directory
// conflicts and surfaced timer errors, never cancellations).
func (c *Claimer) SetOnError(fn func(error)) { c.onError = fn }

// Name returns the NAME this claimer is scoped to.
func (c *Claimer) Name() j1939.NAME { return c.name }

// State returns the current state-machine state. Safe to call from any
// goroutine: the query is serialized through the same command channel as
// Process and StartAddressClaim, so it observes a consistent snapshot
// rather than racing the executor goroutine.
func (c *Claimer) State() claim.State {
	resp := make(chan claim.State, 1)
	select {
	case c.cmds <- func() { resp <- c.machine.State() }:
	case <-c.done:
		return claim.State{}
	}
	select {
	case s := <-resp:
		return s
	case <-c.done:
		return claim.State{}
	}
}

// Start launches the claimer's serial executor goroutine and runs the
// machine's initial no_address entry action on it. ctx cancellation stops
// the goroutine and both timers.
func (c *Claimer) Start(ctx context.Context) {
	go c.run(ctx)
	c.cmds <- func() { c.machine.Start(c.dir) }
}

// StartAddressClaim posts start_claim{preferred} to the machine. Only
// effective from no_address; serialized with Process via the same command
// channel, so concurrent callers observe a total order (spec.md §4.4).
func (c *Claimer) StartAddressClaim(preferred uint8) {
	select {
	case c.cmds <- func() { c.machine.StartClaim(c.dir, preferred) }:
	case <-c.done:
	}
}

// Process classifies frame by header predicate and dispatches the
// corresponding event, per spec.md §4.4. Claim frames are first applied to
// the directory as fact, then delivered to the machine.
func (c *Claimer) Process(frame j1939.Frame) {
	select {
	case c.cmds <- func() { c.process(frame) }:
	case <-c.done:
	}
}

func (c *Claimer) process(frame j1939.Frame) {
	switch {
	case frame.Header.IsClaim():
		other := j1939.NameFromPayload(frame.Data)
		addr := frame.Header.SourceAddress
		if !c.dir.TryAddressClaim(other, addr) {
			c.log.WithFields(logrus.Fields{"other": uint64(other), "addr": addr}).
				Warn("claimer: directory rejected observed address claim")
			c.fireError(ErrAddressInUse)
			return
		}
		c.machine.AddressClaim(c.dir, other, addr)
	case frame.Header.IsRequest():
		c.machine.AddressRequest(frame.Header.PDUSpecific)
	default:
		// Not ours to handle.
	}
}

func (c *Claimer) fireError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// run is the claimer's serial executor: every command and timer fire is
// handled to completion before the next is read, matching spec.md §5
// ("work for each claimer strictly serialized").
func (c *Claimer) run(ctx context.Context) {
	defer close(c.done)
	defer c.contention.Stop()
	defer c.retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.cmds:
			fn()
		case <-c.contention.C:
			c.log.Debug("claimer: contention timer fired -> timeout")
			c.machine.Timeout(c.dir)
		case <-c.retry.C:
			c.log.Debug("claimer: retry timer fired")
			c.fireCannotClaim()
		}
	}
}

func (c *Claimer) fireCannotClaim() {
	if c.onFrame != nil {
		c.onFrame(j1939.MakeCannotClaim(c.name))
	}
	c.machine.RandomRetry(c.dir)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (c *Claimer) armContention() {
	stopTimer(c.contention)
	c.contention.Reset(ContentionWindow)
}

func (c *Claimer) armRetry() {
	stopTimer(c.retry)
	delay := time.Duration(c.rng.Int63n(int64(RetryDelayMax) + 1))
	c.retry.Reset(delay)
}

// actions wires claim.Actions to this claimer's timers, directory, and
// user callbacks. Every action logs a structured line identifying the
// machine instance and the action firing, per spec.md §6.
func (c *Claimer) actions() claim.Actions {
	return claim.Actions{
		OnBeginClaiming: func() {
			c.log.Debug("claimer: begin_claiming, arming 250ms contention timer")
			c.armContention()
		},
		OnAddressClaim: func(name j1939.NAME, addr uint8) {
			c.log.WithField("addr", addr).Debug("claimer: emitting address claim")
			if c.onFrame != nil {
				c.onFrame(j1939.MakeAddressClaim(name, addr))
			}
		},
		OnRequest: func() {
			c.log.Debug("claimer: emitting address request")
			if c.onFrame != nil {
				c.onFrame(j1939.MakeAddressRequest(j1939.NoAddress))
			}
		},
		OnCannotClaim: func(name j1939.NAME) {
			c.log.Debug("claimer: cannot_claim, arming random retry timer")
			stopTimer(c.contention)
			c.armRetry()
		},
		OnAddress: func(name j1939.NAME, addr uint8) {
			c.log.WithField("addr", addr).Info("claimer: address gained")
			stopTimer(c.contention)
			stopTimer(c.retry)
			if !c.dir.TryAddressClaim(name, addr) {
				c.fireError(ErrAddressInUse)
			}
			if c.onGained != nil {
				c.onGained(name, addr)
			}
		},
		OnLoseAddress: func(name j1939.NAME) {
			c.log.Info("claimer: address lost")
			c.dir.Release(name)
			if c.onLost != nil {
				c.onLost(name)
			}
		},
	}
}

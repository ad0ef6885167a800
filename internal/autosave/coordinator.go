// Package autosave debounces content saves for an open document and runs
// explicit version snapshots without letting the two overlap.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"quill/collab/internal/clock"
)

type Status string

const (
	StatusIdle   Status = "idle"
	StatusSaving Status = "saving"
	StatusSaved  Status = "saved"
	StatusError  Status = "error"
)

const DefaultManualDescription = "Manual save"

var (
	ErrClosed        = errors.New("autosave coordinator closed")
	ErrNothingToSave = errors.New("nothing to save")
)

// Backend persists content and version snapshots.
type Backend interface {
	SaveContent(ctx context.Context, documentID, content string) error
	SaveVersion(ctx context.Context, documentID, content, description string) error
}

// Notifier surfaces results to the user.
type Notifier interface {
	Success(message string)
	Error(message string)
}

type Options struct {
	Clock       clock.Clock
	Delay       time.Duration
	ResetDelay  time.Duration
	SaveTimeout time.Duration
	Notifier    Notifier
}

type manualRequest struct {
	description string
	waiters     int
	done        chan struct{}
	err         error
}

type Coordinator struct {
	documentID string
	backend    Backend
	notifier   Notifier
	clock      clock.Clock
	delay      time.Duration
	resetDelay time.Duration
	timeout    time.Duration

	mu          sync.Mutex
	status      Status
	lastSavedAt time.Time
	content     string
	debounce    *clock.Timer
	reset       *clock.Timer
	saving      bool
	queued      *manualRequest
	closed      bool
	nextSubID   int
	subs        map[int]func(Status)
}

func New(documentID string, backend Backend, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Delay <= 0 {
		opts.Delay = 3 * time.Second
	}
	if opts.ResetDelay <= 0 {
		opts.ResetDelay = 3 * time.Second
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 30 * time.Second
	}
	if opts.Notifier == nil {
		opts.Notifier = logNotifier{}
	}
	return &Coordinator{
		documentID: documentID,
		backend:    backend,
		notifier:   opts.Notifier,
		clock:      opts.Clock,
		delay:      opts.Delay,
		resetDelay: opts.ResetDelay,
		timeout:    opts.SaveTimeout,
		status:     StatusIdle,
		subs:       make(map[int]func(Status)),
	}
}

// Touch records modified content and restarts the debounce timer.
func (c *Coordinator) Touch(content string) {
	if content == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.content = content
	c.armLocked()
}

func (c *Coordinator) armLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = c.clock.AfterFunc(c.delay, c.autosave)
}

func (c *Coordinator) autosave() {
	c.mu.Lock()
	c.debounce = nil
	if c.closed || c.documentID == "" || c.content == "" {
		c.mu.Unlock()
		return
	}
	if c.saving {
		// try again once the running save has had time to finish
		c.armLocked()
		c.mu.Unlock()
		return
	}
	content := c.content
	notify := c.beginLocked()
	c.mu.Unlock()
	notify()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	err := c.backend.SaveContent(ctx, c.documentID, content)
	cancel()
	if err != nil {
		c.notifier.Error(fmt.Sprintf("Save failed: %v", err))
	}
	c.finish(err)
}

// ManualSave cancels any pending autosave, persists the content and
// creates a version. If another save is running the request waits for it;
// requests that pile up behind it are merged into one. A queued request
// whose every caller gave up is dropped before it starts.
func (c *Coordinator) ManualSave(ctx context.Context, description string) error {
	if description == "" {
		description = DefaultManualDescription
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	if c.documentID == "" || c.content == "" {
		c.mu.Unlock()
		return ErrNothingToSave
	}
	if c.saving {
		if c.queued == nil {
			c.queued = &manualRequest{done: make(chan struct{})}
		}
		req := c.queued
		req.description = description
		req.waiters++
		c.mu.Unlock()
		select {
		case <-req.done:
			return req.err
		case <-ctx.Done():
			c.mu.Lock()
			req.waiters--
			if req.waiters == 0 && c.queued == req {
				c.queued = nil
			}
			c.mu.Unlock()
			return ctx.Err()
		}
	}
	notify := c.beginLocked()
	c.mu.Unlock()
	notify()

	err := c.runManual(ctx, description)
	c.finish(err)
	return err
}

func (c *Coordinator) runManual(ctx context.Context, description string) error {
	c.mu.Lock()
	content := c.content
	c.mu.Unlock()

	if err := c.backend.SaveContent(ctx, c.documentID, content); err != nil {
		c.notifier.Error(fmt.Sprintf("Save version failed: %v", err))
		return fmt.Errorf("save content: %w", err)
	}
	if err := c.backend.SaveVersion(ctx, c.documentID, content, description); err != nil {
		c.notifier.Error(fmt.Sprintf("Save version failed: %v", err))
		return fmt.Errorf("save version: %w", err)
	}
	c.notifier.Success("Version saved")
	return nil
}

// beginLocked marks a save as running. The returned func publishes the
// status change and must be called without c.mu held.
func (c *Coordinator) beginLocked() func() {
	c.saving = true
	if c.reset != nil {
		c.reset.Stop()
		c.reset = nil
	}
	return c.setStatusLocked(StatusSaving)
}

// finish records the outcome of a save and starts a queued manual save.
func (c *Coordinator) finish(err error) {
	c.mu.Lock()
	c.saving = false
	var notify func()
	if err != nil {
		log.Printf("autosave: save %s failed: %v", c.documentID, err)
		notify = c.setStatusLocked(StatusError)
	} else {
		c.lastSavedAt = c.clock.Now()
		notify = c.setStatusLocked(StatusSaved)
		if !c.closed {
			c.reset = c.clock.AfterFunc(c.resetDelay, c.resetSaved)
		}
	}
	req := c.queued
	c.queued = nil
	var next func()
	if req != nil {
		next = c.beginLocked()
	}
	c.mu.Unlock()
	notify()

	if req != nil {
		next()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()
			err := c.runManual(ctx, req.description)
			c.finish(err)
			req.err = err
			close(req.done)
		}()
	}
}

func (c *Coordinator) resetSaved() {
	c.mu.Lock()
	c.reset = nil
	if c.status != StatusSaved {
		c.mu.Unlock()
		return
	}
	notify := c.setStatusLocked(StatusIdle)
	c.mu.Unlock()
	notify()
}

func (c *Coordinator) setStatusLocked(next Status) func() {
	if c.status == next {
		return func() {}
	}
	c.status = next
	subs := make([]func(Status), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	return func() {
		for _, fn := range subs {
			fn(next)
		}
	}
}

// Close stops pending timers. A save already running completes.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	if c.reset != nil {
		c.reset.Stop()
		c.reset = nil
	}
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Coordinator) LastSavedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSavedAt
}

func (c *Coordinator) IsSaving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saving
}

// Subscribe calls fn on every status change.
func (c *Coordinator) Subscribe(fn func(Status)) func() {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

type logNotifier struct{}

func (logNotifier) Success(message string) { log.Printf("autosave: %s", message) }

func (logNotifier) Error(message string) { log.Printf("autosave: %s", message) }

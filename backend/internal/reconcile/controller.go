package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

type Status string

const (
	StatusSaved   Status = "saved"
	StatusPending Status = "pending"
	StatusSaving  Status = "saving"
	StatusError   Status = "error"
)

const (
	DefaultDebounce = 2 * time.Second
	DefaultCooldown = 3 * time.Second
)

var (
	ErrSaveInFlight = errors.New("save already in flight")
	ErrLoadFailed   = errors.New("load document failed")
	ErrClosed       = errors.New("controller closed")
)

// Persister writes flattened content to durable storage.
type Persister interface {
	SaveContent(ctx context.Context, docID, content string) error
}

type Loader interface {
	LoadContent(ctx context.Context, docID string) (string, error)
}

// Surface is the editing surface the controller fills on open.
type Surface interface {
	ReplaceContent(content string)
}

type Options struct {
	Debounce time.Duration `mapstructure:"debounce"`
	Cooldown time.Duration `mapstructure:"cooldown"`

	// per save attempt, 0 means none
	SaveTimeout time.Duration `mapstructure:"saveTimeout"`

	Clock    Clock        `mapstructure:"-"`
	OnStatus func(Status) `mapstructure:"-"`
}

// Controller reconciles a live editing surface with durable storage: it
// debounces edits into saves, allows one save in flight, and backs off after
// a failed save.
type Controller struct {
	docID     string
	persister Persister
	opts      Options

	mu        sync.Mutex
	status    Status
	content   string // latest surface content
	persisted string
	inFlight  bool
	closed    bool
	lastErr   error
	failed    string // content of the last failed attempt
	failedAt  time.Time
	debounce  Timer
	cooldown  Timer
	notify    []Status
}

func New(docID, persisted string, p Persister, opts Options) *Controller {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	return &Controller{
		docID:     docID,
		persister: p,
		opts:      opts,
		status:    StatusSaved,
		content:   persisted,
		persisted: persisted,
	}
}

// Open loads the document and fills the surface. A failed read never touches
// the surface.
func Open(ctx context.Context, docID string, loader Loader, surface Surface, p Persister, opts Options) (*Controller, error) {
	content, err := loader.LoadContent(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, docID, err)
	}
	surface.ReplaceContent(content)
	return New(docID, content, p, opts), nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the last save error. It clears once the content is saved.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.content
}

// OnChange records the surface's current content.
func (c *Controller) OnChange(content string) {
	c.mu.Lock()
	defer c.unlockAndNotify()
	if c.closed {
		return
	}
	c.content = content

	switch c.status {
	case StatusSaving:
		// picked up when the save completes
	case StatusError:
		switch {
		case content == c.persisted:
			c.stopCooldownLocked()
			c.lastErr = nil
			c.setStatusLocked(StatusSaved)
		case c.opts.Clock.Now().Sub(c.failedAt) >= c.opts.Cooldown:
			c.schedulePendingLocked()
		}
	default:
		if content == c.persisted {
			c.stopDebounceLocked()
			c.setStatusLocked(StatusSaved)
			return
		}
		c.schedulePendingLocked()
	}
}

// Save persists now, bypassing the debounce. It fails with ErrSaveInFlight
// while another save runs.
func (c *Controller) Save(ctx context.Context) error {
	return c.save(ctx, true)
}

func (c *Controller) schedulePendingLocked() {
	c.setStatusLocked(StatusPending)
	c.stopDebounceLocked()
	c.debounce = c.opts.Clock.AfterFunc(c.opts.Debounce, c.onDebounce)
}

func (c *Controller) onDebounce() {
	if err := c.save(context.Background(), false); err != nil && !errors.Is(err, ErrSaveInFlight) && !errors.Is(err, ErrClosed) {
		log.Printf("autosave error (doc=%s): %v", c.docID, err)
	}
}

func (c *Controller) save(ctx context.Context, manual bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.inFlight {
		c.mu.Unlock()
		return ErrSaveInFlight
	}
	if !manual && c.status != StatusPending {
		c.mu.Unlock()
		return nil
	}
	if c.status == StatusSaved && c.content == c.persisted {
		c.mu.Unlock()
		return nil
	}
	c.stopDebounceLocked()
	c.stopCooldownLocked()
	c.inFlight = true
	snapshot := c.content
	c.setStatusLocked(StatusSaving)
	c.unlockAndNotify()

	saveCtx := ctx
	if c.opts.SaveTimeout > 0 {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(ctx, c.opts.SaveTimeout)
		defer cancel()
	}
	err := c.persister.SaveContent(saveCtx, c.docID, snapshot)

	c.mu.Lock()
	defer c.unlockAndNotify()
	c.inFlight = false
	if err != nil {
		c.lastErr = err
		c.failed = snapshot
		c.failedAt = c.opts.Clock.Now()
		c.setStatusLocked(StatusError)
		if !c.closed {
			c.cooldown = c.opts.Clock.AfterFunc(c.opts.Cooldown, c.onCooldown)
		}
		return err
	}
	c.lastErr = nil
	c.persisted = snapshot
	if c.closed {
		c.setStatusLocked(StatusSaved)
		return nil
	}
	if c.content != c.persisted {
		// edits arrived during the save
		c.schedulePendingLocked()
	} else {
		c.setStatusLocked(StatusSaved)
	}
	return nil
}

// onCooldown retries only if the content drifted since the failed attempt.
func (c *Controller) onCooldown() {
	c.mu.Lock()
	defer c.unlockAndNotify()
	c.cooldown = nil
	if c.closed || c.status != StatusError {
		return
	}
	if c.content != c.failed && c.content != c.persisted {
		c.schedulePendingLocked()
	}
}

// Close stops the timers. A save in flight runs to completion.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.unlockAndNotify()
	c.closed = true
	c.stopDebounceLocked()
	c.stopCooldownLocked()
}

func (c *Controller) stopDebounceLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
}

func (c *Controller) stopCooldownLocked() {
	if c.cooldown != nil {
		c.cooldown.Stop()
		c.cooldown = nil
	}
}

func (c *Controller) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	if c.opts.OnStatus != nil {
		c.notify = append(c.notify, s)
	}
}

// unlockAndNotify releases c.mu, then reports queued status changes in order.
func (c *Controller) unlockAndNotify() {
	pending := c.notify
	c.notify = nil
	c.mu.Unlock()
	for _, s := range pending {
		c.opts.OnStatus(s)
	}
}

package sieveengine

import (
	"context"
	"fmt"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/go-sieve"
	"github.com/foxcpp/go-sieve/interp"

	"github.com/migadu/listd/helpers"
)

// Verdict is what a list filter script decided about a post.
type Verdict string

const (
	VerdictKeep    Verdict = "keep"
	VerdictHold    Verdict = "hold"
	VerdictDiscard Verdict = "discard"
)

// HoldMailbox is the fileinto target that sends a post to moderation.
const HoldMailbox = "hold"

// SupportedExtensions are the extensions list filter scripts may require.
// vacation and redirect make no sense for a list filter and are left out.
var SupportedExtensions = []string{
	"fileinto",
	"envelope",
	"encoded-character",
	"comparator-i;octet",
	"comparator-i;ascii-casemap",
	"comparator-i;ascii-numeric",
	"comparator-i;unicode-casemap",
	"imap4flags",
	"variables",
	"relational",
	"copy",
	"regex",
}

type Result struct {
	Verdict Verdict
	Mailbox string   // fileinto target, if any
	Flags   []string // imap4flags set by the script, usable as reasons
}

// Context is the part of a post a filter script can see.
type Context struct {
	EnvelopeFrom string
	EnvelopeTo   string
	Header       map[string][]string
	Size         int
}

type Executor interface {
	Evaluate(evalCtx context.Context, ctx Context) (Result, error)
}

// SieveExecutor runs one compiled script.
type SieveExecutor struct {
	script *sieve.Script
}

// NewSieveExecutor compiles a script with SupportedExtensions enabled.
func NewSieveExecutor(scriptContent string) (Executor, error) {
	options := sieve.DefaultOptions()
	options.EnabledExtensions = SupportedExtensions
	script, err := sieve.Load(strings.NewReader(scriptContent), options)
	if err != nil {
		return nil, err
	}
	return &SieveExecutor{script: script}, nil
}

// Validate reports whether a script compiles.
func Validate(scriptContent string) error {
	if _, err := NewSieveExecutor(scriptContent); err != nil {
		return fmt.Errorf("invalid sieve script: %w", err)
	}
	return nil
}

// Evaluate runs the script. Explicit discard, or a script that cancels the
// implicit keep without filing anywhere, yields VerdictDiscard. fileinto
// "hold" yields VerdictHold. Everything else keeps.
func (e *SieveExecutor) Evaluate(evalCtx context.Context, ctx Context) (Result, error) {
	envelope := &listEnvelope{from: ctx.EnvelopeFrom, to: ctx.EnvelopeTo}
	msg := newListMessage(ctx.Header, ctx.Size)

	data := sieve.NewRuntimeData(e.script, listPolicy{}, envelope, msg)
	if err := e.script.Execute(evalCtx, data); err != nil {
		return Result{Verdict: VerdictKeep}, err
	}

	result := Result{Verdict: VerdictKeep}
	if len(data.Flags) > 0 {
		result.Flags = append([]string(nil), data.Flags...)
	}

	for _, mailbox := range data.Mailboxes {
		if strings.EqualFold(mailbox, HoldMailbox) {
			result.Verdict = VerdictHold
			result.Mailbox = mailbox
			return result, nil
		}
	}
	if len(data.Mailboxes) > 0 {
		result.Mailbox = data.Mailboxes[0]
		return result, nil
	}
	if !data.Keep && !data.ImplicitKeep {
		result.Verdict = VerdictDiscard
	}
	return result, nil
}

// listPolicy refuses every side effect; a list filter only classifies.
type listPolicy struct{}

func (listPolicy) RedirectAllowed(ctx context.Context, d *interp.RuntimeData, addr string) (bool, error) {
	return false, nil
}

func (listPolicy) VacationResponseAllowed(ctx context.Context, d *interp.RuntimeData,
	originalSender, handle string, duration time.Duration) (bool, error) {
	return false, nil
}

func (listPolicy) SendVacationResponse(ctx context.Context, d *interp.RuntimeData,
	recipient, from, subject, body string, isMime bool) error {
	return nil
}

type listEnvelope struct {
	from string
	to   string
}

func (e *listEnvelope) EnvelopeFrom() string { return e.from }
func (e *listEnvelope) EnvelopeTo() string   { return e.to }
func (e *listEnvelope) AuthUsername() string { return "" }

type listMessage struct {
	headers map[string][]string
	size    int
}

func newListMessage(headers map[string][]string, size int) *listMessage {
	canonical := make(map[string][]string, len(headers))
	for k, v := range headers {
		key := textproto.CanonicalMIMEHeaderKey(k)
		canonical[key] = append(canonical[key], v...)
	}
	return &listMessage{headers: canonical, size: size}
}

func (m *listMessage) HeaderGet(key string) ([]string, error) {
	return m.headers[textproto.CanonicalMIMEHeaderKey(key)], nil
}

func (m *listMessage) MessageSize() int {
	return m.size
}

// Cache keeps compiled scripts keyed by content hash so a list's filter is
// compiled once, not once per post. It is bounded; when full it is cleared.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]Executor
	maxItems int
}

func NewCache(maxItems int) *Cache {
	if maxItems <= 0 {
		maxItems = 256
	}
	return &Cache{entries: make(map[string]Executor), maxItems: maxItems}
}

// Get returns the compiled executor for a script, compiling it on first use.
func (c *Cache) Get(scriptContent string) (Executor, error) {
	key := helpers.HashContent([]byte(scriptContent))

	c.mu.Lock()
	if exec, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return exec, nil
	}
	c.mu.Unlock()

	exec, err := NewSieveExecutor(scriptContent)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxItems {
		c.entries = make(map[string]Executor)
	}
	c.entries[key] = exec
	return exec, nil
}

// Len reports the number of cached scripts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

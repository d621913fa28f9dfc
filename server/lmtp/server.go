package lmtp

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/moderation"
	"github.com/migadu/listd/pkg/metrics"
	"github.com/migadu/listd/rules"
	"github.com/migadu/listd/server"
	"github.com/migadu/listd/server/idgen"
	"github.com/migadu/listd/subscriptions"
)

// Lists finds the list an address belongs to. *mailinglist.Catalog
// implements it.
type Lists interface {
	LookupAddress(address string) (*mailinglist.MailingList, bool)
}

// Members answers who a poster is and who owns a list.
// *subscriptions.Service implements it.
type Members interface {
	SenderStatus(ctx context.Context, listID, email string) (rules.Sender, error)
	FindMembers(ctx context.Context, query subscriptions.MemberQuery) ([]*subscriptions.Member, error)
}

// Requests starts and redeems join and leave requests.
// *subscriptions.Registrar implements it.
type Requests interface {
	Register(ctx context.Context, listID string, kind subscriptions.RequestKind, record subscriptions.RequestRecord, opts subscriptions.RegisterOptions) (*subscriptions.PendingRequest, error)
	Confirm(ctx context.Context, token string) (*subscriptions.PendingRequest, error)
}

// Evaluator decides what happens to a post. *moderation.Pipeline implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, ml *mailinglist.MailingList, msg *rules.Message, meta *rules.Metadata) (moderation.Decision, error)
}

// Holder keeps posts for moderators. *moderation.HoldQueue implements it.
type Holder interface {
	Hold(ctx context.Context, ml *mailinglist.MailingList, msg *rules.Message, decision moderation.Decision) (*moderation.HeldMessage, error)
}

// Outbox takes accepted posts and mail for list owners.
type Outbox interface {
	Enqueue(ctx context.Context, listID, envelopeFrom string, raw []byte) error
	EnqueueNotice(ctx context.Context, listID, from string, to []string, raw []byte) error
}

// Deduplicator reports whether a post is seen for the first time on a list.
type Deduplicator interface {
	IsNew(ctx context.Context, listID, messageID string) bool
}

// HoldNotifier is told about newly held posts.
type HoldNotifier interface {
	MessageHeld(ctx context.Context, ml *mailinglist.MailingList, held *moderation.HeldMessage) error
}

// Deps are the collaborators a session hands messages to. Dedup and
// Notifier are optional.
type Deps struct {
	Lists    Lists
	Members  Members
	Requests Requests
	Pipeline Evaluator
	Holds    Holder
	Outbox   Outbox
	Dedup    Deduplicator
	Notifier HoldNotifier
}

type LMTPServerOptions struct {
	Debug           bool
	MaxMessageSize  int64    // Maximum size for incoming messages in bytes, 0 for no limit
	TrustedNetworks []string // defaults to loopback and private ranges
}

type LMTPServerBackend struct {
	addr           string
	hostname       string
	deps           Deps
	server         *smtp.Server
	appCtx         context.Context
	debug          bool
	maxMessageSize int64

	totalConnections  atomic.Int64
	activeConnections atomic.Int64

	trustedNetworks []*net.IPNet
}

func New(appCtx context.Context, hostname, addr string, deps Deps, options LMTPServerOptions) (*LMTPServerBackend, error) {
	if deps.Lists == nil || deps.Members == nil || deps.Requests == nil ||
		deps.Pipeline == nil || deps.Holds == nil || deps.Outbox == nil {
		return nil, fmt.Errorf("lmtp: lists, members, requests, pipeline, holds and outbox are required")
	}

	trusted := options.TrustedNetworks
	if len(trusted) == 0 {
		trusted = server.DefaultTrustedNetworks
	}
	trustedNets, err := server.ParseTrustedNetworks(trusted)
	if err != nil {
		return nil, fmt.Errorf("lmtp: %w", err)
	}

	backend := &LMTPServerBackend{
		addr:            addr,
		hostname:        hostname,
		deps:            deps,
		appCtx:          appCtx,
		debug:           options.Debug,
		maxMessageSize:  options.MaxMessageSize,
		trustedNetworks: trustedNets,
	}

	s := smtp.NewServer(backend)
	s.Addr = addr
	s.Domain = hostname
	s.LMTP = true
	s.Network = "tcp"
	s.ReadTimeout = 5 * time.Minute
	s.WriteTimeout = time.Minute
	if options.MaxMessageSize > 0 {
		s.MaxMessageBytes = options.MaxMessageSize
	}

	var debugWriter io.Writer
	if options.Debug {
		debugWriter = os.Stdout
		s.Debug = debugWriter
	}

	backend.server = s
	return backend, nil
}

func (b *LMTPServerBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remoteAddr := c.Conn().RemoteAddr()
	ip, err := server.RemoteIP(remoteAddr)
	if err != nil {
		logger.Debug("LMTP: Connection rejected", "remote", remoteAddr, "error", err)
		return nil, err
	}
	if !server.IsTrusted(ip, b.trustedNetworks) {
		logger.Warn("LMTP: Connection rejected - not from trusted network", "ip", ip, "remote", remoteAddr)
		return nil, fmt.Errorf("LMTP connections only allowed from trusted networks")
	}

	return b.newSession(ip.String()), nil
}

func (b *LMTPServerBackend) newSession(remoteIP string) *LMTPSession {
	sessionCtx, sessionCancel := context.WithCancel(b.appCtx)

	b.totalConnections.Add(1)
	b.activeConnections.Add(1)
	metrics.ConnectionsCurrent.Inc()

	s := &LMTPSession{
		backend:   b,
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		startTime: time.Now(),
	}
	s.Id = idgen.New()
	s.RemoteIP = remoteIP
	s.HostName = b.hostname
	s.Protocol = "LMTP"
	s.Stats = b

	s.DebugLog("new session")
	return s
}

// Start listens on the configured address and serves until Close.
func (b *LMTPServerBackend) Start(errChan chan error) {
	listener, err := net.Listen("tcp", b.addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}
	b.Serve(listener, errChan)
}

// Serve accepts sessions on listener.
func (b *LMTPServerBackend) Serve(listener net.Listener, errChan chan error) {
	logger.Info("LMTP server listening", "addr", listener.Addr().String(), "hostname", b.hostname)
	if err := b.server.Serve(listener); err != nil && b.appCtx.Err() == nil && err != smtp.ErrServerClosed {
		errChan <- fmt.Errorf("LMTP server error: %w", err)
		return
	}
	logger.Info("LMTP server stopped gracefully")
}

func (b *LMTPServerBackend) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// GetTotalConnections returns the cumulative total of all connections ever made
func (b *LMTPServerBackend) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

// GetActiveConnections returns the current number of active connections
func (b *LMTPServerBackend) GetActiveConnections() int64 {
	return b.activeConnections.Load()
}

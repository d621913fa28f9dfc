// Package outbox spools posts and notices for the delivery agent that sends
// them on. Every entry is a pair of files in the pending directory: <id>.eml
// with the message and <id>.json with its envelope. The message is written
// first, so an entry is complete once its .json file exists.
package outbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/pkg/metrics"
	"github.com/migadu/listd/rules"
)

const (
	KindPost   = "post"
	KindNotice = "notice"
)

// Entry is the envelope of a spooled message.
type Entry struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	ListID   string    `json:"list_id"`
	From     string    `json:"from"`
	To       []string  `json:"to,omitempty"` // empty for posts: the list members
	QueuedAt time.Time `json:"queued_at"`
}

// ListLookup resolves list ids. *mailinglist.Catalog implements it.
type ListLookup interface {
	Get(listID string) (*mailinglist.MailingList, error)
}

// Spool is a disk-based outbox.
type Spool struct {
	pendingDir string
	lists      ListLookup
	mu         sync.Mutex
}

// New creates the spool directories under basePath. lists, when set, is used
// to add list headers to posts.
func New(basePath string, lists ListLookup) (*Spool, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("outbox path cannot be empty")
	}
	s := &Spool{
		pendingDir: filepath.Join(basePath, "pending"),
		lists:      lists,
	}
	if err := os.MkdirAll(s.pendingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", s.pendingDir, err)
	}
	return s, nil
}

// Enqueue spools a post for distribution to the list.
// Moderator passwords are removed before the post is written.
func (s *Spool) Enqueue(ctx context.Context, listID, envelopeFrom string, raw []byte) error {
	stripped, err := rules.StripApproval(raw)
	if err != nil {
		return fmt.Errorf("failed to strip approval: %w", err)
	}
	raw = stripped
	if s.lists != nil {
		if ml, err := s.lists.Get(listID); err == nil {
			decorated, err := decorate(ml, raw)
			if err != nil {
				logger.Warn("Outbox: cannot add list headers, spooling as received", "list", listID, "error", err)
			} else {
				raw = decorated
			}
		}
	}
	return s.write(Entry{Kind: KindPost, ListID: listID, From: envelopeFrom}, raw)
}

// EnqueueNotice spools a message addressed to specific recipients.
func (s *Spool) EnqueueNotice(ctx context.Context, listID, from string, to []string, raw []byte) error {
	if len(to) == 0 {
		return fmt.Errorf("notice has no recipients")
	}
	return s.write(Entry{Kind: KindNotice, ListID: listID, From: from, To: to}, raw)
}

func (s *Spool) write(entry Entry, raw []byte) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = uuid.New().String()
	entry.QueuedAt = time.Now().UTC()

	messagePath := filepath.Join(s.pendingDir, entry.ID+".eml")
	if err := writeDataAtomic(messagePath, raw); err != nil {
		observe("enqueue", start, err)
		return fmt.Errorf("failed to write message: %w", err)
	}

	envelope, err := json.MarshalIndent(entry, "", "  ")
	if err == nil {
		err = writeDataAtomic(filepath.Join(s.pendingDir, entry.ID+".json"), envelope)
	}
	if err != nil {
		os.Remove(messagePath)
		observe("enqueue", start, err)
		return fmt.Errorf("failed to write envelope: %w", err)
	}

	observe("enqueue", start, nil)
	logger.Info("Outbox: spooled", "kind", entry.Kind, "id", entry.ID, "list", entry.ListID,
		"from", entry.From, "to", entry.To, "size", len(raw))
	return nil
}

// Pending returns the complete entries in the spool, oldest first.
func (s *Spool) Pending() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirEntries, err := os.ReadDir(s.pendingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending directory: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.pendingDir, de.Name()))
		if err != nil {
			logger.Warn("Outbox: failed to read envelope", "entry", de.Name(), "error", err)
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			logger.Warn("Outbox: malformed envelope", "entry", de.Name(), "error", err)
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].QueuedAt.Before(entries[j].QueuedAt)
	})
	return entries, nil
}

// Message returns the spooled message of an entry.
func (s *Spool) Message(id string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.pendingDir, id+".eml"))
}

// decorate adds the list headers and the subject prefix to a post.
func decorate(ml *mailinglist.MailingList, raw []byte) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, err
	}

	h.Set("List-Id", fmt.Sprintf("%s <%s>", ml.DisplayName, ml.ListID))
	h.Set("List-Post", "<mailto:"+ml.PostingAddress()+">")
	h.Set("List-Subscribe", "<mailto:"+ml.JoinAddress()+">")
	h.Set("List-Unsubscribe", "<mailto:"+ml.LeaveAddress()+">")
	h.Set("List-Help", "<mailto:"+ml.RequestAddress()+">")
	h.Set("Precedence", "list")

	if ml.SubjectPrefix != "" {
		subject := strings.TrimSpace(h.Get("Subject"))
		if !strings.Contains(strings.ToLower(subject), strings.ToLower(ml.SubjectPrefix)) {
			h.Set("Subject", strings.TrimSpace(ml.SubjectPrefix+" "+subject))
		}
	}

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return nil, err
	}
	if _, err := br.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeDataAtomic(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.OutboxOperations.WithLabelValues(operation, status).Inc()
	metrics.OutboxOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

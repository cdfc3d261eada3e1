// Package queue implements the durable, file-based mail spool: four
// physical stage directories (Working, Deliver, Deferred, Dead) that a
// message file moves through strictly forward, one at a time, satisfying
// invariant P3 (a message resides in at most one queue at a time).
//
// This generalizes the teacher's single-directory queue
// (internal/queue/queue.go: Queue.Put, Item.WriteTo, ItemFromFile,
// Queue.Remove) into the four-stage model, replacing its protobuf-on-disk
// format with JSON (encoding/json) since this module carries no protoc step,
// and keeping its core mechanic: files are written new, with an exclusive
// create, before the old copy is ever removed.
package queue

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"

	"blitiri.com.ar/go/log"

	"vsmtpd.io/go/vsmtpd/internal/mailctx"
)

// Stage names one of the four physical directories a message passes
// through, always in this order (Dead is a sink reachable from any stage).
type Stage string

const (
	Working  Stage = "working"
	Deliver  Stage = "deliver"
	Deferred Stage = "deferred"
	Dead     Stage = "dead"
)

var stages = []Stage{Working, Deliver, Deferred, Dead}

// itemFilePrefix matches the teacher's queue file naming convention: a
// short tag outside the identifier's own character set, so stray temp files
// are never mistaken for queue items.
const itemFilePrefix = "m:"

// Store is the four-directory on-disk queue. A message is always
// identified by its MessageMetadata.MessageID, and lives under exactly one
// stage directory at a time (P3).
type Store struct {
	base string

	mu   sync.Mutex
	next map[Stage]chan string // bounded notification channels, lazily sized by Notifications
}

// Open creates (if needed) the four stage directories under base and
// returns a Store ready for use.
func Open(base string) (*Store, error) {
	s := &Store{base: base, next: map[Stage]chan string{}}
	for _, st := range stages {
		if err := os.MkdirAll(s.dir(st), 0700); err != nil {
			return nil, fmt.Errorf("queue: creating %s: %w", st, err)
		}
	}
	return s, nil
}

// Notifications returns the channel a Working/Deliver/Deferred-stage worker
// reads message IDs from. chanSize is the bounded channel size from
// configuration (spec.md §4.6); calling this twice for the same stage
// returns the same channel.
func (s *Store) Notifications(stage Stage, chanSize int) chan string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.next[stage]; ok {
		return ch
	}
	ch := make(chan string, chanSize)
	s.next[stage] = ch
	return ch
}

func (s *Store) dir(stage Stage) string {
	return filepath.Join(s.base, string(stage))
}

func (s *Store) path(stage Stage, id string) string {
	return filepath.Join(s.dir(stage), itemFilePrefix+id)
}

// Enqueue writes ctx as a new item into stage, using an exclusive create so
// two transactions can never silently clobber the same message ID, and
// publishes the ID on that stage's notification channel (if one has been
// requested via Notifications). This is the only way a message ID is ever
// introduced into the queue.
func (s *Store) Enqueue(stage Stage, ctx *mailctx.MailContext) error {
	id := ctx.Metadata.MessageID
	if id == "" {
		return fmt.Errorf("queue: enqueue: empty message id")
	}

	if err := writeExclusive(s.path(stage, id), ctx); err != nil {
		return err
	}

	s.notify(stage, id)
	return nil
}

// Get loads the context for id out of stage, without removing it.
func (s *Store) Get(stage Stage, id string) (*mailctx.MailContext, error) {
	return readContext(s.path(stage, id))
}

// Move transfers id from one stage to another: the new copy is written
// with an exclusive create before the old file is removed, so the message
// is never absent from both stages; between the write and the remove it is
// briefly present in both (spec.md's
// "create-new-then-remove-old" rule, §5). The context may have been
// mutated (e.g. a retry counter bumped, a recipient's status updated)
// before the move; callers pass the updated value in.
func (s *Store) Move(from, to Stage, ctx *mailctx.MailContext) error {
	id := ctx.Metadata.MessageID
	if err := writeExclusive(s.path(to, id), ctx); err != nil {
		return fmt.Errorf("queue: move %s->%s: writing new copy: %w", from, to, err)
	}

	if err := os.Remove(s.path(from, id)); err != nil {
		// The new copy exists either way; losing the old one is a leak,
		// not a correctness issue, so we log rather than unwind the move.
		log.Errorf("queue: move %s->%s: removing old copy for %s: %v", from, to, id, err)
	}

	s.notify(to, id)
	return nil
}

func (s *Store) notify(stage Stage, id string) {
	s.mu.Lock()
	ch := s.next[stage]
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- id:
	default:
		log.Errorf("queue: notification channel for %s full, %s will be picked up on next Load", stage, id)
	}
}

// Remove deletes id from stage outright (used once a message's final
// EmailStatus is terminal for every recipient and nothing further needs the
// file).
func (s *Store) Remove(stage Stage, id string) error {
	return os.Remove(s.path(stage, id))
}

// Load lists the message IDs currently resident in stage, for startup
// recovery (any file left in Working/Deliver/Deferred after a crash is
// re-fed into that stage's pipeline).
func (s *Store) Load(stage Stage) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir(stage), itemFilePrefix+"*"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, filepath.Base(m)[len(itemFilePrefix):])
	}
	return ids, nil
}

// writeExclusive serializes ctx to filename using O_EXCL so the call fails
// rather than overwrite an existing file at that path, matching the
// exclusive-create requirement in spec.md §5. Unlike the teacher's
// safeio.WriteFile (temp-file-then-rename, which always succeeds even if
// the target exists) this must fail on collision: a collision means two
// stages think they own the same message ID at once.
func writeExclusive(filename string, ctx *mailctx.MailContext) error {
	data, err := json.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("queue: encoding item: %w", err)
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("queue: exclusive create %s: %w", filename, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(filename)
		return fmt.Errorf("queue: writing %s: %w", filename, err)
	}
	return f.Sync()
}

func readContext(filename string) (*mailctx.MailContext, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var ctx mailctx.MailContext
	if err := json.Unmarshal(data, &ctx); err != nil {
		return nil, fmt.Errorf("queue: decoding %s: %w", filename, err)
	}
	return &ctx, nil
}

// NextRetryDelay computes the backoff before a Deferred item is retried
// again, jittered the way the teacher's nextDelay did (to avoid a thundering
// herd of retries all firing at once), scaled by the number of attempts
// already made. The cap at max applies before the jitter, so the result lies
// in [0.5, 1.5) times the capped delay.
func NextRetryDelay(attempt int, base, max float64) float64 {
	shift := attempt
	if shift > 10 {
		shift = 10
	}
	d := base * float64(int64(1)<<uint(shift))
	if d > max {
		d = max
	}
	return d * (0.5 + rand.Float64())
}

package transport

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"vsmtpd.io/go/vsmtpd/internal/mailctx"
	"vsmtpd.io/go/vsmtpd/internal/safeio"
	"vsmtpd.io/go/vsmtpd/internal/trace"
)

// Maildir writes messages to a local user's Maildir, following the
// "write to new/ with a unique name" Maildir convention. Grounded on
// original_source's maildir_resolver.rs (resolve the Unix account via
// getpwuid, create ~/Maildir/new/ with the right ownership if absent, write
// one file per message) but using the teacher's safeio.WriteFile for the
// atomic part instead of a raw OpenOptions().create().write() (which on a
// power loss can leave a half-written message visible to an MUA).
type Maildir struct {
	// LookupUser resolves a local-part to a Unix account. Defaults to
	// os/user.Lookup.
	LookupUser func(name string) (*user.User, error)
}

func (m *Maildir) Deliver(ctx context.Context, mc *mailctx.MailContext, rcpt mailctx.Recipient) (error, bool) {
	tr := trace.New("Transport.Maildir", rcpt.Address.Full())
	defer tr.Finish()

	lookup := m.LookupUser
	if lookup == nil {
		lookup = user.Lookup
	}

	u, err := lookup(rcpt.Address.LocalPart())
	if err != nil {
		return tr.Errorf("unknown local user %q: %v", rcpt.Address.LocalPart(), err), true
	}

	uid, gid, err := parseIDs(u)
	if err != nil {
		return tr.Errorf("resolving uid/gid for %q: %v", u.Username, err), true
	}

	maildirNew := filepath.Join(u.HomeDir, "Maildir", "new")
	if _, err := os.Stat(maildirNew); os.IsNotExist(err) {
		if err := os.MkdirAll(maildirNew, 0700); err != nil {
			return tr.Errorf("creating Maildir for %q: %v", u.Username, err), false
		}
		chownTree(maildirNew, uid, gid)
	}

	id := mc.Metadata.MessageID
	if id == "" {
		id = strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	target := filepath.Join(maildirNew, fmt.Sprintf("%d.%s", time.Now().Unix(), id))

	if err := safeio.WriteFile(target, mc.Body.Bytes(), 0600); err != nil {
		return tr.Errorf("writing maildir message for %q: %v", u.Username, err), false
	}
	_ = os.Chown(target, uid, gid)

	return nil, false
}

// Mbox appends messages to a single flat mbox-format file per user,
// serialized with a mutex (the mbox format itself has no per-message
// framing that tolerates concurrent writers without a lock).
type Mbox struct {
	// Dir is the directory mbox files live in, one per local-part
	// (e.g. /var/mail).
	Dir string

	mu sync.Mutex
}

func (m *Mbox) Deliver(ctx context.Context, mc *mailctx.MailContext, rcpt mailctx.Recipient) (error, bool) {
	tr := trace.New("Transport.Mbox", rcpt.Address.Full())
	defer tr.Finish()

	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.Dir, rcpt.Address.LocalPart())
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return tr.Errorf("opening mbox %q: %v", path, err), false
	}
	defer f.Close()

	from := mc.Envelope.MailFromString()
	fmt.Fprintf(f, "From %s %s\n", from, time.Now().UTC().Format(time.ANSIC))
	if _, err := f.Write(mc.Body.Bytes()); err != nil {
		return tr.Errorf("writing mbox %q: %v", path, err), false
	}
	fmt.Fprint(f, "\n\n")

	return nil, false
}

func parseIDs(u *user.User) (int, int, error) {
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}

func chownTree(dir string, uid, gid int) {
	_ = os.Chown(dir, uid, gid)
	_ = os.Chown(filepath.Dir(dir), uid, gid)
}

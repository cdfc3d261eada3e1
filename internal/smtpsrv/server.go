// Package smtpsrv implements the SMTP server: listener setup per
// spec.md §4.5's three socket modes, and the glue wiring auth, policy,
// the durable queue and the delivery scheduler into one running server.
package smtpsrv

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"blitiri.com.ar/go/log"

	"vsmtpd.io/go/vsmtpd/internal/auth"
	"vsmtpd.io/go/vsmtpd/internal/delivery"
	"vsmtpd.io/go/vsmtpd/internal/envelope"
	"vsmtpd.io/go/vsmtpd/internal/haproxy"
	"vsmtpd.io/go/vsmtpd/internal/maillog"
	"vsmtpd.io/go/vsmtpd/internal/policy"
	"vsmtpd.io/go/vsmtpd/internal/queue"
	"vsmtpd.io/go/vsmtpd/internal/reply"
	"vsmtpd.io/go/vsmtpd/internal/set"
	"vsmtpd.io/go/vsmtpd/internal/transport"
	"vsmtpd.io/go/vsmtpd/internal/userdb"
)

// reloadEvery matches the teacher's "how often to reload mutable backing
// files" constant; it is a fixed constant here, neither a flag nor a config
// option.
const reloadEvery = 30 * time.Second

// deferredSweepEvery is how often the delivery scheduler retries the
// Deferred stage.
const deferredSweepEvery = 1 * time.Minute

// Server owns the listeners, the shared Config every accepted Conn is built
// from, and the background workers (working-stage processor, delivery
// scheduler, deferred sweep) that drain the queue.
type Server struct {
	Hostname    string
	MaxDataSize int64

	// Version identifies this build for the X-VSMTP header stamped on every
	// outgoing message (spec.md §4.8); left empty, the header just omits it.
	Version string

	// MaxRecipients bounds RCPT TO commands per transaction (spec.md P6).
	MaxRecipients int

	// HAProxyEnabled, when set, expects every accepted connection to begin
	// with a HAProxy protocol v1 header (as sent by a proxy/load balancer in
	// front of us) and substitutes the real client address it carries for
	// the TCP peer address before building the Conn.
	HAProxyEnabled bool

	addrs map[SocketMode][]string

	// listeners holds sockets already open on entry (from systemd socket
	// activation), in addition to the addrs ListenAndServe dials itself.
	listeners map[SocketMode][]net.Listener

	tlsConfig *tls.Config

	localDomains *set.String
	authr        *auth.Authenticator

	policyHost policy.Host

	queueStore *queue.Store
	transports *transport.Registry
	scheduler  *delivery.Scheduler

	replies reply.Table

	CommandTimeout time.Duration
	TotalTimeout   time.Duration

	// ErrorSoftLimit/ErrorHardLimit/ErrorDelay parametrize the error-rate
	// cap every Conn enforces (spec.md §4.3); see Config for their meaning.
	ErrorSoftLimit int
	ErrorHardLimit int
	ErrorDelay     time.Duration
}

// NewServer returns a Server with the teacher's timeouts and an empty
// TLS/domain/auth configuration, ready for the Add*/Set*/Init* calls below.
func NewServer() *Server {
	authr := auth.NewAuthenticator()
	return &Server{
		addrs:          map[SocketMode][]string{},
		listeners:      map[SocketMode][]net.Listener{},
		tlsConfig:      &tls.Config{SessionTicketsDisabled: true},
		localDomains:   &set.String{},
		authr:          authr,
		replies:        reply.Default(),
		CommandTimeout: 1 * time.Minute,
		TotalTimeout:   20 * time.Minute,
		MaxRecipients:  100,
		ErrorSoftLimit: defaultErrorSoftLimit,
		ErrorHardLimit: defaultErrorHardLimit,
		ErrorDelay:     defaultErrorDelay,
	}
}

// AddCerts loads a certificate/key pair for TLS (STARTTLS and implicit-TLS).
func (s *Server) AddCerts(certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}
	s.tlsConfig.Certificates = append(s.tlsConfig.Certificates, cert)
	return nil
}

// AddAddr registers an address for the server to listen on in the given mode.
func (s *Server) AddAddr(addr string, mode SocketMode) {
	s.addrs[mode] = append(s.addrs[mode], addr)
}

// AddListener registers an already-open listener (e.g. one handed to us by
// systemd socket activation) for the given mode, so ListenAndServe serves it
// alongside whatever it dials itself from AddAddr.
func (s *Server) AddListener(l net.Listener, mode SocketMode) {
	s.listeners[mode] = append(s.listeners[mode], l)
}

// AddDomain adds a local domain the server accepts mail for.
func (s *Server) AddDomain(d string) {
	s.localDomains.Add(d)
}

// AddUserDB loads a userdb file and registers it as the auth backend for
// domain, the same "load and register unconditionally so Reload keeps
// working even on load errors" behavior as the teacher.
func (s *Server) AddUserDB(domain, f string) (int, error) {
	udb, err := userdb.Load(f)
	s.authr.Register(domain, auth.WrapNoErrorBackend(udb))
	return udb.Len(), err
}

// SetAuthFallback sets the authentication backend consulted when no
// domain-specific backend has the user (e.g. a Dovecot/system backend).
func (s *Server) SetAuthFallback(be auth.Backend) {
	s.authr.Fallback = be
}

// InitPolicy builds the default policy.Host, wired to the server's local
// domains and a local-user-existence check backed by the authenticator.
func (s *Server) InitPolicy(disableSPF bool) {
	h := policy.NewDefaultHost(s.localDomains, func(addr string) (bool, error) {
		user, domain := envelope.Split(addr)
		return s.authr.Exists(user, domain)
	})
	h.DisableSPF = disableSPF
	s.policyHost = h
}

// SetPolicy overrides the policy host (for tests, or a deployment that
// wants its own policy.Host implementation instead of DefaultHost).
func (s *Server) SetPolicy(h policy.Host) {
	s.policyHost = h
}

// InitTransports builds the transport.Registry: a Relay for normal
// outgoing mail, a Forward sharing its dial settings, and local Maildir/Mbox
// delivery, grounded on the teacher's courier.SMTP/MDA/Procmail trio.
func (s *Server) InitTransports(helloDomain string, dnsServers []string) {
	relay := &transport.Relay{
		HelloDomain:  helloDomain,
		DNSServers:   dnsServers,
		DialTimeout:  30 * time.Second,
		TotalTimeout: 10 * time.Minute,
	}
	s.transports = &transport.Registry{
		Relay:   relay,
		Forward: transport.NewForward(relay),
		Maildir: &transport.Maildir{},
		Mbox:    &transport.Mbox{},
	}
}

// InitQueue opens the four-stage queue under path and builds the delivery
// scheduler over it.
func (s *Server) InitQueue(path string) error {
	store, err := queue.Open(path)
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	s.queueStore = store
	s.scheduler = &delivery.Scheduler{
		Store:                   store,
		Transport:               s.transports,
		MaxAttempts:             20,
		GiveUpAfter:             20 * time.Hour,
		MaxConcurrentRecipients: 10,
		RetryBase:               60,
		RetryMax:                3 * 60 * 60,
	}
	return nil
}

// Reload refreshes the authenticator's backing files (userdb reload etc.),
// fatal on error, matching the teacher's "surface config drift immediately"
// stance for background reload.
func (s *Server) Reload() {
	if err := s.authr.Reload(); err != nil {
		log.Fatalf("Error reloading authenticators: %v", err)
	}
}

func (s *Server) periodicallyReload(ctx context.Context) {
	t := time.NewTicker(reloadEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Reload()
		}
	}
}

// ListenAndServe starts the listeners and background workers. It does not
// return; callers that want to stop the server should run it in its own
// goroutine and cancel ctx.
func (s *Server) ListenAndServe(ctx context.Context) {
	if len(s.tlsConfig.Certificates) == 0 {
		log.Fatalf("At least one valid TLS certificate is needed")
	}
	if s.queueStore == nil {
		log.Fatalf("Queue not initialized")
	}
	if s.policyHost == nil {
		log.Fatalf("Policy not initialized")
	}

	go s.periodicallyReload(ctx)

	// Working stage: parse + post-queue policy, stamp delivery headers,
	// then on to Deliver/Dead.
	headers := queue.HeaderInfo{ServerDomain: s.Hostname, Version: s.Version}
	if err := queue.LoadWorking(s.queueStore, s.policyHost, headers); err != nil {
		log.Errorf("loading pending Working items: %v", err)
	}
	go queue.RunWorking(s.queueStore, s.policyHost, headers, s.queueStore.Notifications(queue.Working, 16))

	// Delivery: drain Deliver as items are notified, and sweep Deferred
	// periodically, retrying every item in it.
	go s.scheduler.Run(ctx, s.queueStore.Notifications(queue.Deliver, 16))
	go s.scheduler.RunDeferredLoop(ctx, deferredSweepEvery)

	for mode, addrs := range s.addrs {
		for _, addr := range addrs {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				log.Fatalf("Error listening on %s: %v", addr, err)
			}
			log.Infof("Server listening on %s (%v)", addr, mode)
			maillog.Listening(addr)
			go s.serve(l, mode)
		}
	}
	for mode, ls := range s.listeners {
		for _, l := range ls {
			log.Infof("Server listening on %s (systemd, %v)", l.Addr(), mode)
			maillog.Listening(l.Addr().String())
			go s.serve(l, mode)
		}
	}

	<-ctx.Done()
}

func (s *Server) serve(l net.Listener, mode SocketMode) {
	if mode == ModeImplicitTLS {
		l = tls.NewListener(l, s.tlsConfig)
	}

	cfg := Config{
		Hostname:            s.Hostname,
		MaxDataSize:         s.MaxDataSize,
		CommandTimeout:      s.CommandTimeout,
		TotalTimeout:        s.TotalTimeout,
		TLSConfig:           s.tlsConfig,
		MustBeAuthenticated: mode == ModeSubmission,
		EncryptRequired:     mode == ModeSubmission,
		MaxRecipients:       s.MaxRecipients,
		Policy:              s.policyHost,
		Authr:               s.authr,
		Queue:               s.queueStore,
		Replies:             s.replies,
		ErrorSoftLimit:      s.ErrorSoftLimit,
		ErrorHardLimit:      s.ErrorHardLimit,
		ErrorDelay:          s.ErrorDelay,
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			log.Errorf("accept on %v listener: %v", mode, err)
			return
		}
		if s.HAProxyEnabled {
			conn, err = wrapHAProxy(conn)
			if err != nil {
				log.Errorf("haproxy handshake from %v: %v", conn.RemoteAddr(), err)
				conn.Close()
				continue
			}
		}
		sc := NewConn(conn, mode, cfg)
		go sc.Serve()
	}
}

// wrapHAProxy performs the HAProxy protocol v1 handshake on conn and returns
// a net.Conn whose RemoteAddr reports the original client address the proxy
// relayed, instead of the proxy's own address.
func wrapHAProxy(conn net.Conn) (net.Conn, error) {
	br := bufio.NewReader(conn)
	src, _, err := haproxy.Handshake(br)
	if err != nil {
		return conn, err
	}
	return &haproxyConn{Conn: conn, r: br, remote: src}, nil
}

// haproxyConn overrides RemoteAddr and reads through the buffered reader
// used to parse the HAProxy header, so no bytes of the actual SMTP dialogue
// are lost to the handshake's read-ahead.
type haproxyConn struct {
	net.Conn
	r      *bufio.Reader
	remote net.Addr
}

func (c *haproxyConn) Read(b []byte) (int, error) { return c.r.Read(b) }
func (c *haproxyConn) RemoteAddr() net.Addr        { return c.remote }

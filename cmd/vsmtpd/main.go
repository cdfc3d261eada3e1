// vsmtpd is an SMTP (email) server: see SPEC_FULL.md for the full design.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"blitiri.com.ar/go/log"

	"vsmtpd.io/go/vsmtpd/internal/config"
	"vsmtpd.io/go/vsmtpd/internal/dovecot"
	"vsmtpd.io/go/vsmtpd/internal/maillog"
	"vsmtpd.io/go/vsmtpd/internal/normalize"
	"vsmtpd.io/go/vsmtpd/internal/smtpsrv"
	"vsmtpd.io/go/vsmtpd/internal/systemd"
)

// Command-line flags.
var (
	configDir = flag.String("config_dir", "/etc/vsmtpd",
		"configuration directory")
	showVer = flag.Bool("version", false, "show version and exit")
)

func main() {
	flag.Parse()
	log.Init()

	parseVersionInfo()
	if *showVer {
		fmt.Printf("vsmtpd %s (source date: %s)\n", version, sourceDate)
		return
	}

	log.Infof("vsmtpd starting (version %s)", version)

	rand.Seed(time.Now().UnixNano())

	conf, err := config.Load(*configDir + "/vsmtpd.conf")
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)

	// Change to the config dir, so relative paths in the config (certs/,
	// domains/, data dir) resolve from there.
	if err := os.Chdir(*configDir); err != nil {
		log.Fatalf("Error changing to config dir %q: %v", *configDir, err)
	}

	initMailLog(conf.MailLogPath)

	go signalHandler()

	if conf.MonitoringAddress != "" {
		go launchMonitoringServer(conf)
	}

	s := smtpsrv.NewServer()
	s.Hostname = conf.Hostname
	s.Version = version
	s.MaxDataSize = conf.MaxDataSizeMb * 1024 * 1024
	s.HAProxyEnabled = conf.HaproxyIncoming

	if conf.DovecotAuth {
		loadDovecot(s, conf.DovecotUserdbPath, conf.DovecotClientPath)
	}

	// Load certificates from "certs/<directory>/{fullchain,privkey}.pem".
	// The structure matches letsencrypt's, to make it easier for that case.
	log.Infof("Loading certificates")
	for _, info := range mustReadDir("certs/") {
		name := info.Name()
		dir := filepath.Join("certs/", name)
		if fi, err := os.Stat(dir); err == nil && !fi.IsDir() {
			continue
		}

		log.Infof("  %s", name)

		certPath := filepath.Join(dir, "fullchain.pem")
		if _, err := os.Stat(certPath); os.IsNotExist(err) {
			continue
		}
		keyPath := filepath.Join(dir, "privkey.pem")
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			continue
		}

		if err := s.AddCerts(certPath, keyPath); err != nil {
			log.Fatalf("    %v", err)
		}
	}

	// Load domains from "domains/", one subdirectory per local domain, each
	// optionally containing a "users" userdb file.
	log.Infof("Domain config paths:")
	for _, info := range mustReadDir("domains/") {
		domain, err := normalize.Domain(info.Name())
		if err != nil {
			log.Fatalf("Invalid name %+q: %v", info.Name(), err)
		}
		loadDomain(domain, filepath.Join("domains", info.Name()), s)
	}

	// Always include localhost as a local domain, so it can never
	// accidentally be treated as a relay destination.
	s.AddDomain("localhost")

	s.InitPolicy(false)
	s.InitTransports(conf.Hostname, nil)

	if err := s.InitQueue(conf.DataDir + "/queue"); err != nil {
		log.Fatalf("Error initializing queue: %v", err)
	}

	// "systemd" is a sentinel meaning "get this socket via systemd socket
	// activation" instead of dialing it ourselves; loadSystemdListeners
	// fetches them all once, keyed by the systemd socket name.
	var systemdLs map[string][]net.Listener
	wantsSystemd := func(addrs []string) bool {
		for _, a := range addrs {
			if a == "systemd" {
				return true
			}
		}
		return false
	}
	if wantsSystemd(conf.SmtpAddress) || wantsSystemd(conf.SubmissionAddress) ||
		wantsSystemd(conf.SubmissionOverTlsAddress) {
		systemdLs = loadSystemdListeners()
	}

	addMode := func(addrs []string, name string, mode smtpsrv.SocketMode) {
		for _, addr := range addrs {
			if addr != "systemd" {
				s.AddAddr(addr, mode)
				continue
			}
			for _, l := range systemdLs[name] {
				s.AddListener(l, mode)
			}
		}
	}
	addMode(conf.SmtpAddress, "smtp", smtpsrv.ModePlain)
	addMode(conf.SubmissionAddress, "submission", smtpsrv.ModeSubmission)
	addMode(conf.SubmissionOverTlsAddress, "submission_tls", smtpsrv.ModeImplicitTLS)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.ListenAndServe(ctx)
}

func initMailLog(path string) {
	var err error

	switch path {
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog()
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	default:
		_ = os.MkdirAll(filepath.Dir(path), 0775)
		maillog.Default, err = maillog.NewFile(path)
	}

	if err != nil {
		log.Fatalf("Error opening mail log: %v", err)
	}
}

func signalHandler() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)

	for {
		switch sig := <-signals; sig {
		case syscall.SIGHUP:
			// SIGHUP triggers a reopen of the log files, for log rotation.
			if err := log.Default.Reopen(); err != nil {
				log.Fatalf("Error reopening log: %v", err)
			}
			if err := maillog.Default.Reopen(); err != nil {
				log.Fatalf("Error reopening maillog: %v", err)
			}
		default:
			log.Errorf("Unexpected signal %v", sig)
		}
	}
}

func loadDomain(name, dir string, s *smtpsrv.Server) {
	log.Infof("  %s", name)
	s.AddDomain(name)

	if _, err := os.Stat(dir + "/users"); err == nil {
		log.Infof("    adding users")
		if n, err := s.AddUserDB(name, dir+"/users"); err != nil {
			log.Errorf("      error: %v", err)
		} else {
			log.Infof("      %d users", n)
		}
	}
}

func loadDovecot(s *smtpsrv.Server, userdb, client string) {
	a := dovecot.NewAuth(userdb, client)
	s.SetAuthFallback(a)
	log.Infof("Fallback authenticator: %v", a)
	if err := a.Check(); err != nil {
		log.Errorf("Failed dovecot authenticator check: %v", err)
	}
}

// loadSystemdListeners fetches the sockets systemd passed us via the
// LISTEN_FDS protocol, keyed by the names given to them in the unit's
// socket file (Sockets=smtp.socket submission.socket submission_tls.socket,
// or FileDescriptorName= on each ListenStream).
func loadSystemdListeners() map[string][]net.Listener {
	ls, err := systemd.Listeners()
	if err != nil {
		log.Fatalf("Error getting systemd listeners: %v", err)
	}
	return ls
}

// mustReadDir reads a directory, which must have at least some entries.
func mustReadDir(path string) []os.DirEntry {
	dirs, err := os.ReadDir(path)
	if err != nil {
		log.Fatalf("Error reading %q directory: %v", path, err)
	}
	if len(dirs) == 0 {
		log.Fatalf("No entries found in %q", path)
	}

	return dirs
}

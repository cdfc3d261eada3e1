// Package config implements the server's configuration file, loaded from a
// single TOML file (github.com/pelletier/go-toml/v2) instead of the
// teacher's protobuf/prototext config, since this module carries no protoc
// step (see DESIGN.md): go-toml/v2 gives the same "one readable,
// hand-editable file, easy struct mapping" property the teacher got from
// prototext, without a codegen step.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"blitiri.com.ar/go/log"
)

// Config holds every server-wide setting. Zero values mean "use the
// default", applied by Load after decoding the file.
type Config struct {
	Hostname string `toml:"hostname"`

	MaxDataSizeMb int64 `toml:"max_data_size_mb"`

	SmtpAddress              []string `toml:"smtp_address"`
	SubmissionAddress        []string `toml:"submission_address"`
	SubmissionOverTlsAddress []string `toml:"submission_over_tls_address"`
	MonitoringAddress        string   `toml:"monitoring_address"`

	MailDeliveryAgentBin  string   `toml:"mail_delivery_agent_bin"`
	MailDeliveryAgentArgs []string `toml:"mail_delivery_agent_args"`

	DataDir string `toml:"data_dir"`

	SuffixSeparators *string `toml:"suffix_separators"`
	DropCharacters   *string `toml:"drop_characters"`

	MailLogPath string `toml:"mail_log_path"`

	DovecotAuth       bool   `toml:"dovecot_auth"`
	DovecotUserdbPath string `toml:"dovecot_userdb_path"`
	DovecotClientPath string `toml:"dovecot_client_path"`

	HaproxyIncoming bool `toml:"haproxy_incoming"`

	MaxQueueItems   int64  `toml:"max_queue_items"`
	GiveUpSendAfter string `toml:"give_up_send_after"`
}

func defaultConfig() *Config {
	suffixSep := "+"
	dropChars := "."
	return &Config{
		MaxDataSizeMb: 50,

		SmtpAddress:              []string{"systemd"},
		SubmissionAddress:        []string{"systemd"},
		SubmissionOverTlsAddress: []string{"systemd"},

		MailDeliveryAgentBin:  "maildrop",
		MailDeliveryAgentArgs: []string{"-f", "%from%", "-d", "%to_user%"},

		DataDir: "/var/lib/vsmtpd",

		SuffixSeparators: &suffixSep,
		DropCharacters:   &dropChars,

		MailLogPath: "<syslog>",

		MaxQueueItems:   200,
		GiveUpSendAfter: "20h",
	}
}

// Load reads and parses the config file at path, applying defaults for
// anything left unset.
func Load(path string) (*Config, error) {
	c := defaultConfig()

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}

	fromFile := &Config{}
	if err := toml.Unmarshal(buf, fromFile); err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}
	override(c, fromFile)

	if c.Hostname == "" {
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}

	if _, err := time.ParseDuration(c.GiveUpSendAfter); err != nil {
		return nil, fmt.Errorf(
			"invalid give_up_send_after value %q: %v", c.GiveUpSendAfter, err)
	}

	return c, nil
}

// override copies every field o has explicitly set onto c.
func override(c, o *Config) {
	if o.Hostname != "" {
		c.Hostname = o.Hostname
	}
	if o.MaxDataSizeMb > 0 {
		c.MaxDataSizeMb = o.MaxDataSizeMb
	}
	if len(o.SmtpAddress) > 0 {
		c.SmtpAddress = o.SmtpAddress
	}
	if len(o.SubmissionAddress) > 0 {
		c.SubmissionAddress = o.SubmissionAddress
	}
	if len(o.SubmissionOverTlsAddress) > 0 {
		c.SubmissionOverTlsAddress = o.SubmissionOverTlsAddress
	}
	if o.MonitoringAddress != "" {
		c.MonitoringAddress = o.MonitoringAddress
	}

	if o.MailDeliveryAgentBin != "" {
		c.MailDeliveryAgentBin = o.MailDeliveryAgentBin
	}
	if len(o.MailDeliveryAgentArgs) > 0 {
		c.MailDeliveryAgentArgs = o.MailDeliveryAgentArgs
	}

	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}

	if o.SuffixSeparators != nil {
		c.SuffixSeparators = o.SuffixSeparators
	}
	if o.DropCharacters != nil {
		c.DropCharacters = o.DropCharacters
	}
	if o.MailLogPath != "" {
		c.MailLogPath = o.MailLogPath
	}

	if o.DovecotAuth {
		c.DovecotAuth = true
	}
	if o.DovecotUserdbPath != "" {
		c.DovecotUserdbPath = o.DovecotUserdbPath
	}
	if o.DovecotClientPath != "" {
		c.DovecotClientPath = o.DovecotClientPath
	}

	if o.HaproxyIncoming {
		c.HaproxyIncoming = true
	}

	if o.MaxQueueItems > 0 {
		c.MaxQueueItems = o.MaxQueueItems
	}
	if o.GiveUpSendAfter != "" {
		c.GiveUpSendAfter = o.GiveUpSendAfter
	}
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Max data size (MB): %d", c.MaxDataSizeMb)
	log.Infof("  SMTP Addresses: %q", c.SmtpAddress)
	log.Infof("  Submission Addresses: %q", c.SubmissionAddress)
	log.Infof("  Submission+TLS Addresses: %q", c.SubmissionOverTlsAddress)
	log.Infof("  Monitoring address: %q", c.MonitoringAddress)
	log.Infof("  MDA: %q %q", c.MailDeliveryAgentBin, c.MailDeliveryAgentArgs)
	log.Infof("  Data directory: %q", c.DataDir)
	if c.SuffixSeparators == nil {
		log.Infof("  Suffix separators: nil")
	} else {
		log.Infof("  Suffix separators: %q", *c.SuffixSeparators)
	}
	if c.DropCharacters == nil {
		log.Infof("  Drop characters: nil")
	} else {
		log.Infof("  Drop characters: %q", *c.DropCharacters)
	}
	log.Infof("  Mail log: %q", c.MailLogPath)
	log.Infof("  Dovecot auth: %v (%q, %q)",
		c.DovecotAuth, c.DovecotUserdbPath, c.DovecotClientPath)
	log.Infof("  HAProxy incoming: %v", c.HaproxyIncoming)
	log.Infof("  Max queue items: %d", c.MaxQueueItems)
	log.Infof("  Give up send after: %s", c.GiveUpSendAfterDuration())
}

// GiveUpSendAfterDuration parses GiveUpSendAfter, which Load already
// validated, so the error here is never possible in practice.
func (c *Config) GiveUpSendAfterDuration() time.Duration {
	d, _ := time.ParseDuration(c.GiveUpSendAfter)
	return d
}

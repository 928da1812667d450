package container

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yusufsyaifudin/saiyoumail/pkg/validator"
)

const DefaultConfigFile = "config.yml"

// ErrConfig marks every configuration problem; workers exit with status 1 on it.
var ErrConfig = errors.New("config error")

// ConfigError tells which config file failed and why.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrConfig, e.Err}
}

// ConfigHTTPServer struct for HTTP ConfigTransport configuration
type ConfigHTTPServer struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=0,max=65535"`
}

// ConfigTransport is a configuration for the supervisor control plane.
type ConfigTransport struct {
	HTTP ConfigHTTPServer `yaml:"http"`
}

// ConfigFiles lists the state files. Relative paths resolve against StateDir.
type ConfigFiles struct {
	StateDir        string   `yaml:"stateDir"`
	Roster          string   `yaml:"roster"`
	Attempts        string   `yaml:"attempts"`
	History         string   `yaml:"history"`
	Unsubscribes    string   `yaml:"unsubscribes"`
	ProcessedHashes string   `yaml:"processedHashes"`
	Extraction      string   `yaml:"extraction"`
	Pending         string   `yaml:"pending"`
	IMAPState       string   `yaml:"imapState"`
	Jobs            string   `yaml:"jobs"`
	CrashDir        string   `yaml:"crashDir"`
	Auxiliary       []string `yaml:"auxiliary"`
	BackupDir       string   `yaml:"backupDir"`
}

type ConfigSMTP struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port" validate:"min=0,max=65535"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	StartTLS           bool          `yaml:"startTLS"`
	ImplicitTLS        bool          `yaml:"implicitTLS"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
	CommandTimeout     time.Duration `yaml:"commandTimeout"`
	HelloName          string        `yaml:"helloName"`
}

type ConfigSender struct {
	FromName        string   `yaml:"fromName"`
	FromAddress     string   `yaml:"fromAddress"`
	ReplyTo         string   `yaml:"replyTo"`
	MessageIDDomain string   `yaml:"messageIDDomain"`
	UnsubscribeURL  string   `yaml:"unsubscribeURL"`
	OwnAddresses    []string `yaml:"ownAddresses"`
}

// ConfigCampaign is one entry of the campaigns map; the map key is the command accepted by the
// supervisor and the send worker.
type ConfigCampaign struct {
	Tag         string        `yaml:"tag"`
	Interval    time.Duration `yaml:"interval"`
	TemplateDir string        `yaml:"templateDir"`
}

type ConfigIMAP struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port" validate:"min=0,max=65535"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	TLS                string        `yaml:"tls" validate:"omitempty,oneof=implicit starttls none"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
	Mailboxes          []string      `yaml:"mailboxes"`
	FetchTimeout       time.Duration `yaml:"fetchTimeout"`
	TickBudget         time.Duration `yaml:"tickBudget"`
}

type ConfigIngestor struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	UnsubscribeFeed string        `yaml:"unsubscribeFeed"`
	FeedSource      string        `yaml:"feedSource"`
}

type ConfigSupervisor struct {
	ReconcileInterval time.Duration `yaml:"reconcileInterval"`
	StopGrace         time.Duration `yaml:"stopGrace"`
	HistoryLimit      int           `yaml:"historyLimit" validate:"min=0"`
	WorkerBinary      string        `yaml:"workerBinary"`
	LogDir            string        `yaml:"logDir"`
	PoolSize          int           `yaml:"poolSize" validate:"min=0"`
}

type ConfigTracing struct {
	JaegerEndpoint string `yaml:"jaegerEndpoint"`
	Environment    string `yaml:"environment"`
}

type ConfigLog struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Config contains application config
type Config struct {
	Transport  ConfigTransport           `yaml:"transport"`
	Files      ConfigFiles               `yaml:"files"`
	SMTP       ConfigSMTP                `yaml:"smtp"`
	Sender     ConfigSender              `yaml:"sender"`
	Campaigns  map[string]ConfigCampaign `yaml:"campaigns"`
	IMAP       ConfigIMAP                `yaml:"imap"`
	Ingestor   ConfigIngestor            `yaml:"ingestor"`
	Supervisor ConfigSupervisor          `yaml:"supervisor"`
	Tracing    ConfigTracing             `yaml:"tracing"`
	Log        ConfigLog                 `yaml:"log"`

	// Path is the file the config was loaded from.
	Path string `yaml:"-"`
}

// LoadConfig reads the YAML file at path, fills defaults and resolves file paths.
// An empty path means config.yml in the working directory.
func LoadConfig(path string) (cfg Config, err error) {
	if path == "" {
		path = DefaultConfigFile
	}

	fileContent, err := os.ReadFile(path)
	if err != nil {
		err = &ConfigError{Path: path, Err: fmt.Errorf("read file: %w", err)}
		return
	}

	cfg, err = ParseConfig(fileContent)
	if err != nil {
		err = &ConfigError{Path: path, Err: err}
		return
	}

	cfg.Path = path
	return
}

// ParseConfig decodes YAML content, then applies defaults and validation.
func ParseConfig(content []byte) (cfg Config, err error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(false)
	if err = dec.Decode(&cfg); err != nil {
		err = fmt.Errorf("decode yaml: %w", err)
		return
	}

	cfg.setDefaults()
	if err = validator.Validate(cfg); err != nil {
		err = fmt.Errorf("validate: %w", err)
		return
	}

	for name, campaign := range cfg.Campaigns {
		if name == "" {
			err = fmt.Errorf("campaigns: empty command name")
			return
		}

		if campaign.Interval < 0 {
			err = fmt.Errorf("campaigns.%s.interval must not be negative", name)
			return
		}
	}

	return
}

func (c *Config) setDefaults() {
	if c.Transport.HTTP.Host == "" {
		c.Transport.HTTP.Host = "127.0.0.1"
	}

	if c.Transport.HTTP.Port == 0 {
		c.Transport.HTTP.Port = 5000
	}

	f := &c.Files
	if f.StateDir == "" {
		f.StateDir = "."
	}

	defaults := []struct {
		field *string
		value string
	}{
		{&f.Roster, "roster.csv"},
		{&f.Attempts, "send_results.csv"},
		{&f.History, "sending_history.json"},
		{&f.Unsubscribes, "unsubscribes.json"},
		{&f.ProcessedHashes, "processed_unsubscribes.txt"},
		{&f.Pending, "pending_ops.jsonl"},
		{&f.IMAPState, "imap_state.json"},
		{&f.Jobs, "jobs.json"},
		{&f.CrashDir, "crash"},
		{&f.BackupDir, "backup"},
		{&c.Supervisor.LogDir, "logs"},
	}

	for _, d := range defaults {
		if *d.field == "" {
			*d.field = d.value
		}
	}

	for _, p := range []*string{
		&f.Roster, &f.Attempts, &f.History, &f.Unsubscribes, &f.ProcessedHashes, &f.Extraction,
		&f.Pending, &f.IMAPState, &f.Jobs, &f.CrashDir, &f.BackupDir, &c.Supervisor.LogDir,
		&c.Ingestor.UnsubscribeFeed,
	} {
		*p = c.resolve(*p)
	}

	for i := range f.Auxiliary {
		f.Auxiliary[i] = c.resolve(f.Auxiliary[i])
	}

	for name, campaign := range c.Campaigns {
		if campaign.Tag == "" {
			campaign.Tag = name
		}

		if campaign.TemplateDir == "" {
			campaign.TemplateDir = filepath.Join("templates", name)
		}

		campaign.TemplateDir = c.resolve(campaign.TemplateDir)
		c.Campaigns[name] = campaign
	}

	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}

	if c.SMTP.CommandTimeout <= 0 {
		c.SMTP.CommandTimeout = 30 * time.Second
	}

	if c.Sender.FromAddress == "" {
		c.Sender.FromAddress = c.SMTP.Username
	}

	if c.IMAP.Port == 0 {
		c.IMAP.Port = 993
	}

	if c.IMAP.TLS == "" {
		c.IMAP.TLS = "implicit"
	}

	if c.IMAP.FetchTimeout <= 0 {
		c.IMAP.FetchTimeout = 60 * time.Second
	}

	if c.IMAP.TickBudget <= 0 {
		c.IMAP.TickBudget = 10 * time.Minute
	}

	if c.Ingestor.Interval <= 0 {
		c.Ingestor.Interval = 15 * time.Minute
	}

	if c.Supervisor.ReconcileInterval <= 0 {
		c.Supervisor.ReconcileInterval = 3 * time.Second
	}

	if c.Supervisor.StopGrace <= 0 {
		c.Supervisor.StopGrace = 10 * time.Second
	}

	if c.Supervisor.HistoryLimit <= 0 {
		c.Supervisor.HistoryLimit = 100
	}

	if c.Supervisor.PoolSize <= 0 {
		c.Supervisor.PoolSize = 2
	}

	if c.Tracing.Environment == "" {
		c.Tracing.Environment = "production"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(c.Files.StateDir, p)
}

// Campaign returns the campaign selected by command.
func (c Config) Campaign(command string) (ConfigCampaign, error) {
	campaign, ok := c.Campaigns[command]
	if !ok {
		return ConfigCampaign{}, fmt.Errorf("%w: unknown campaign %q", ErrConfig, command)
	}

	return campaign, nil
}

// CampaignTags maps every command to its campaign tag.
func (c Config) CampaignTags() map[string]string {
	out := make(map[string]string, len(c.Campaigns))
	for name, campaign := range c.Campaigns {
		out[name] = campaign.Tag
	}

	return out
}

// CampaignNames lists the configured commands in order.
func (c Config) CampaignNames() []string {
	out := make([]string, 0, len(c.Campaigns))
	for name := range c.Campaigns {
		out = append(out, name)
	}

	sort.Strings(out)
	return out
}

// HasIMAP is true when a bounce mailbox is configured.
func (c Config) HasIMAP() bool {
	return c.IMAP.Host != "" && c.IMAP.Username != ""
}

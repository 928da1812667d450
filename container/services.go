package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yusufsyaifudin/saiyoumail/internal/renderer"
	"github.com/yusufsyaifudin/saiyoumail/internal/svc/ingestsvc"
	"github.com/yusufsyaifudin/saiyoumail/internal/svc/renumbersvc"
	"github.com/yusufsyaifudin/saiyoumail/internal/svc/sendsvc"
	"github.com/yusufsyaifudin/saiyoumail/internal/svc/supervisorsvc"
	"github.com/yusufsyaifudin/saiyoumail/pkg/imapbox"
	"github.com/yusufsyaifudin/saiyoumail/pkg/mailclient"
	"github.com/yusufsyaifudin/saiyoumail/pkg/worker"
)

// SendService is the send worker of one campaign together with what must be closed after the run.
type SendService struct {
	Service  sendsvc.Service
	Campaign ConfigCampaign
	Closers  []Closer
}

// SetupSendService prepares the send worker for the campaign selected by command.
// No connection is made: the SMTP session is opened on the first submission.
func SetupSendService(cfg Config, repos Repositories, command string) (out SendService, err error) {
	if repos == nil {
		err = fmt.Errorf("nil repositories on send service preparation")
		return
	}

	campaign, err := cfg.Campaign(command)
	if err != nil {
		return
	}

	render, err := renderer.NewLiquid(renderer.Config{TemplateDir: campaign.TemplateDir})
	if err != nil {
		err = fmt.Errorf("%w: campaign %s: %w", ErrConfig, command, err)
		return
	}

	mailer, err := mailclient.NewSmtp(&mailclient.SmtpMailerConfig{
		EmailCredential: &mailclient.EmailCredential{
			ServerHost:         cfg.SMTP.Host,
			ServerPort:         cfg.SMTP.Port,
			Username:           cfg.SMTP.Username,
			Password:           cfg.SMTP.Password,
			StartTLS:           cfg.SMTP.StartTLS,
			ImplicitTLS:        cfg.SMTP.ImplicitTLS,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
			HelloName:          cfg.SMTP.HelloName,
		},
		CommandTimeout: cfg.SMTP.CommandTimeout,
	})
	if err != nil {
		err = fmt.Errorf("%w: smtp: %w", ErrConfig, err)
		return
	}

	svc, err := sendsvc.New(sendsvc.SvcConfig{
		Roster:       repos.Roster(),
		Attempts:     repos.Attempts(),
		History:      repos.History(),
		Unsubscribes: repos.Unsubscribes(),
		Extraction:   repos.Extraction(),
		Mailer:       mailer,
		Renderer:     render,
		Sender: sendsvc.Sender{
			FromName:        cfg.Sender.FromName,
			FromAddress:     cfg.Sender.FromAddress,
			ReplyTo:         cfg.Sender.ReplyTo,
			MessageIDDomain: cfg.Sender.MessageIDDomain,
			UnsubscribeURL:  cfg.Sender.UnsubscribeURL,
		},
		Interval: campaign.Interval,
	})
	if err != nil {
		_ = mailer.Close()
		return
	}

	out = SendService{
		Service:  svc,
		Campaign: campaign,
		Closers:  []Closer{NewNamedCloser("smtp session", mailer)},
	}

	return
}

// SetupIngestService prepares the ingestor. The bounce mailbox and the unsubscribe feed are
// optional; without them the tick only replays the pending queue.
func SetupIngestService(cfg Config, repos Repositories) (svc *ingestsvc.Svc, err error) {
	if repos == nil {
		err = fmt.Errorf("nil repositories on ingest service preparation")
		return
	}

	svcCfg := ingestsvc.SvcConfig{
		Roster:       repos.Roster(),
		Attempts:     repos.Attempts(),
		Unsubscribes: repos.Unsubscribes(),
		Pending:      repos.Pending(),
		IMAPState:    repos.IMAPState(),
		Feed:         repos.Feed(),
		Mailboxes:    cfg.IMAP.Mailboxes,
		OwnAddresses: append([]string{cfg.Sender.FromAddress, cfg.IMAP.Username}, cfg.Sender.OwnAddresses...),
		FetchTimeout: cfg.IMAP.FetchTimeout,
		TickBudget:   cfg.IMAP.TickBudget,
	}

	if cfg.HasIMAP() {
		var dialer *imapbox.ClientDialer
		dialer, err = imapbox.NewDialer(imapbox.Config{
			Host:               cfg.IMAP.Host,
			Port:               cfg.IMAP.Port,
			Username:           cfg.IMAP.Username,
			Password:           cfg.IMAP.Password,
			TLS:                cfg.IMAP.TLS,
			InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
			CommandTimeout:     cfg.IMAP.FetchTimeout,
		})
		if err != nil {
			err = fmt.Errorf("%w: imap: %w", ErrConfig, err)
			return
		}

		svcCfg.Dialer = dialer
	}

	return ingestsvc.New(svcCfg)
}

// SetupSupervisorService prepares the job supervisor. The worker binary defaults to the running
// executable, so the supervisor spawns "<self> send ...".
func SetupSupervisorService(ctx context.Context, cfg Config, repos Repositories, pool worker.Service,
	afterExit func(ctx context.Context) error) (svc *supervisorsvc.Svc, err error) {

	if repos == nil {
		err = fmt.Errorf("nil repositories on supervisor preparation")
		return
	}

	binary := cfg.Supervisor.WorkerBinary
	if binary == "" {
		if binary, err = os.Executable(); err != nil {
			err = fmt.Errorf("resolve worker binary: %w", err)
			return
		}
	}

	configPath := cfg.Path
	if configPath != "" {
		if configPath, err = filepath.Abs(configPath); err != nil {
			err = fmt.Errorf("resolve config path: %w", err)
			return
		}
	}

	return supervisorsvc.New(ctx, supervisorsvc.SvcConfig{
		Jobs:              repos.Jobs(),
		Crashes:           repos.Crashes(),
		RosterLock:        repos.Roster().Lock(),
		Pool:              pool,
		WorkerBinary:      binary,
		ConfigPath:        configPath,
		LogDir:            cfg.Supervisor.LogDir,
		Campaigns:         cfg.CampaignTags(),
		ReconcileInterval: cfg.Supervisor.ReconcileInterval,
		StopGrace:         cfg.Supervisor.StopGrace,
		HistoryLimit:      cfg.Supervisor.HistoryLimit,
		AfterExit:         afterExit,
	})
}

// SetupRenumberService prepares the renumber barrier over every file keyed by company id.
func SetupRenumberService(cfg Config, repos Repositories) (*renumbersvc.Svc, error) {
	if repos == nil {
		return nil, fmt.Errorf("nil repositories on renumber preparation")
	}

	return renumbersvc.New(renumbersvc.SvcConfig{
		Roster:       repos.Roster(),
		Attempts:     repos.Attempts(),
		History:      repos.History(),
		Unsubscribes: repos.Unsubscribes(),
		Extraction:   repos.Extraction(),
		Files: renumbersvc.Files{
			Roster:       cfg.Files.Roster,
			Attempts:     cfg.Files.Attempts,
			History:      cfg.Files.History,
			Unsubscribes: cfg.Files.Unsubscribes,
			Extraction:   cfg.Files.Extraction,
			Auxiliary:    cfg.Files.Auxiliary,
		},
		BackupDir: cfg.Files.BackupDir,
	})
}

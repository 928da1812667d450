package container

import (
	"fmt"

	"github.com/yusufsyaifudin/saiyoumail/internal/storage/attemptrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/crashrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/extractrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/feedrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/historyrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/jobrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/pendingrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/rosterrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/uidrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/unsubrepo"
)

// Repositories is an abstraction layer to list down all repositories.
// Every repository is file backed; none of them holds an open handle between calls.
type Repositories interface {
	Roster() rosterrepo.Repo
	Attempts() attemptrepo.Repo
	History() historyrepo.Repo
	Unsubscribes() unsubrepo.Repo
	Pending() pendingrepo.Repo
	IMAPState() uidrepo.Repo
	Jobs() jobrepo.Repo
	Crashes() crashrepo.Repo

	// Extraction and Feed are nil when their file is not configured.
	Extraction() extractrepo.Repo
	Feed() feedrepo.Repo
}

// RepositoryImpl the real implementation of Repositories
type RepositoryImpl struct {
	roster       *rosterrepo.CSV
	attempts     *attemptrepo.CSV
	history      *historyrepo.JSON
	unsubscribes *unsubrepo.File
	pending      *pendingrepo.File
	imapState    *uidrepo.File
	jobs         *jobrepo.File
	crashes      *crashrepo.Dir
	extraction   *extractrepo.CSV
	feed         *feedrepo.CSV
}

// Ensure that RepositoryImpl implements Repositories
var _ Repositories = (*RepositoryImpl)(nil)

// SetupRepositories builds every repository over the resolved file paths of cfg.
func SetupRepositories(cfg Config) (repos *RepositoryImpl, err error) {
	files := cfg.Files
	if files.Roster == "" || files.Attempts == "" {
		return nil, fmt.Errorf("%w: roster and attempt log paths are required", ErrConfig)
	}

	repos = &RepositoryImpl{}

	if repos.roster, err = rosterrepo.NewCSV(rosterrepo.CSVConfig{Path: files.Roster}); err != nil {
		return nil, err
	}

	if repos.attempts, err = attemptrepo.NewCSV(attemptrepo.CSVConfig{Path: files.Attempts}); err != nil {
		return nil, err
	}

	if repos.history, err = historyrepo.NewJSON(historyrepo.JSONConfig{Path: files.History}); err != nil {
		return nil, err
	}

	repos.unsubscribes, err = unsubrepo.NewFile(unsubrepo.FileConfig{
		LogPath:       files.Unsubscribes,
		ProcessedPath: files.ProcessedHashes,
	})
	if err != nil {
		return nil, err
	}

	if repos.pending, err = pendingrepo.NewFile(pendingrepo.FileConfig{Path: files.Pending}); err != nil {
		return nil, err
	}

	if repos.imapState, err = uidrepo.NewFile(uidrepo.FileConfig{Path: files.IMAPState}); err != nil {
		return nil, err
	}

	if repos.jobs, err = jobrepo.NewFile(jobrepo.FileConfig{Path: files.Jobs}); err != nil {
		return nil, err
	}

	if repos.crashes, err = crashrepo.NewDir(crashrepo.DirConfig{Dir: files.CrashDir}); err != nil {
		return nil, err
	}

	if files.Extraction != "" {
		if repos.extraction, err = extractrepo.NewCSV(extractrepo.CSVConfig{Path: files.Extraction}); err != nil {
			return nil, err
		}
	}

	if feed := cfg.Ingestor.UnsubscribeFeed; feed != "" {
		repos.feed, err = feedrepo.NewCSV(feedrepo.CSVConfig{Path: feed, Source: cfg.Ingestor.FeedSource})
		if err != nil {
			return nil, err
		}
	}

	return repos, nil
}

func (r *RepositoryImpl) Roster() rosterrepo.Repo {
	return r.roster
}

func (r *RepositoryImpl) Attempts() attemptrepo.Repo {
	return r.attempts
}

func (r *RepositoryImpl) History() historyrepo.Repo {
	return r.history
}

func (r *RepositoryImpl) Unsubscribes() unsubrepo.Repo {
	return r.unsubscribes
}

func (r *RepositoryImpl) Pending() pendingrepo.Repo {
	return r.pending
}

func (r *RepositoryImpl) IMAPState() uidrepo.Repo {
	return r.imapState
}

func (r *RepositoryImpl) Jobs() jobrepo.Repo {
	return r.jobs
}

func (r *RepositoryImpl) Crashes() crashrepo.Repo {
	return r.crashes
}

func (r *RepositoryImpl) Extraction() extractrepo.Repo {
	if r.extraction == nil {
		return nil
	}

	return r.extraction
}

func (r *RepositoryImpl) Feed() feedrepo.Repo {
	if r.feed == nil {
		return nil
	}

	return r.feed
}

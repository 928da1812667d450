// Package renumbersvc rewrites the roster ids to 1..N and carries the new ids into every file
// that references them. It is a maintenance barrier: no send worker may run meanwhile.
package renumbersvc

import (
	"context"

	"github.com/yusufsyaifudin/saiyoumail/internal/storage/attemptrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/historyrepo"
	"github.com/yusufsyaifudin/saiyoumail/internal/storage/unsubrepo"
)

type Service interface {
	Renumber(ctx context.Context) (out OutRenumber, err error)
}

type OutRenumber struct {
	Total       int         `json:"total"`
	Moved       int         `json:"moved"`
	Mapping     map[int]int `json:"-"`
	BackupDir   string      `json:"backup_dir"`
	MappingPath string      `json:"mapping_path"`

	Attempts     attemptrepo.OutRewrite `json:"attempts"`
	History      historyrepo.OutRewrite `json:"history"`
	Unsubscribes unsubrepo.OutRewrite   `json:"unsubscribes"`

	// Rewritten counts the kept rows of every id keyed CSV by path.
	Rewritten map[string]int `json:"rewritten"`
}

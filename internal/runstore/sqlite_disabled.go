//go:build !sqlite
// +build !sqlite

package runstore

import (
	"errors"

	logx "jobhost/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	_ = cfg
	_ = log
	return nil, errors.New("sqlite runstore not built: build with -tags sqlite")
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	logx "deferbot/pkg/logx"
)

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 8
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, unavailable("ping", err)
	}

	st := &sqlStore{db: db, log: log, d: dialect{name: "postgres", numbered: true, describe: describePQ}}
	if err := migrate(pctx, db, "schema/postgres.sql"); err != nil {
		_ = db.Close()
		return nil, unavailable("migrate", err)
	}
	log.Info("storage opened", logx.String("driver", "postgres"))
	return st, nil
}

// describePQ surfaces the SQLSTATE of server side failures.
func describePQ(err error) []logx.Field {
	var pe *pq.Error
	if !errors.As(err, &pe) {
		return nil
	}
	return []logx.Field{
		logx.String("pg_code", string(pe.Code)),
		logx.String("pg_class", pe.Code.Class().Name()),
		logx.String("pg_table", pe.Table),
	}
}

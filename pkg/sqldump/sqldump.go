// Package sqldump backs up MySQL/MariaDB and PostgreSQL databases with their
// dump tools and restores them through the matching client.
package sqldump

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/paulschiretz/pgl-backitup/pkg/command"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/module"
	"github.com/paulschiretz/pgl-backitup/pkg/pathcompression"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/runctx"
	"github.com/paulschiretz/pgl-backitup/pkg/util"
)

// dialect holds what differs between the database flavours.
type dialect struct {
	name     string
	settings func(cfg *config.Config) config.SQLConfig
	// passwordEnv keeps the password off the command line.
	passwordEnv string
	dumpArgs    func(c config.SQLConfig) []string
	clientArgs  func(c config.SQLConfig) []string
}

var mysql = dialect{
	name:        "mysql",
	settings:    func(cfg *config.Config) config.SQLConfig { return cfg.Services.MySQL },
	passwordEnv: "MYSQL_PWD",
	dumpArgs: func(c config.SQLConfig) []string {
		args := []string{"-h", c.Host, "-P", strconv.Itoa(c.Port), "-u", c.User}
		args = append(args, c.ExtraArgs...)
		return append(args, c.Database)
	},
	clientArgs: func(c config.SQLConfig) []string {
		return []string{"-h", c.Host, "-P", strconv.Itoa(c.Port), "-u", c.User, c.Database}
	},
}

var pgsql = dialect{
	name:        "pgsql",
	settings:    func(cfg *config.Config) config.SQLConfig { return cfg.Services.PgSQL },
	passwordEnv: "PGPASSWORD",
	dumpArgs: func(c config.SQLConfig) []string {
		args := []string{"-h", c.Host, "-p", strconv.Itoa(c.Port), "-U", c.User}
		args = append(args, c.ExtraArgs...)
		return append(args, c.Database)
	},
	clientArgs: func(c config.SQLConfig) []string {
		return []string{"-h", c.Host, "-p", strconv.Itoa(c.Port), "-U", c.User, "-d", c.Database, "-v", "ON_ERROR_STOP=1"}
	},
}

// Module dumps one database.
type Module struct {
	dialect dialect
	runner  *command.Runner
}

func NewMySQL(runner *command.Runner) *Module {
	return &Module{dialect: mysql, runner: runner}
}

func NewPgSQL(runner *command.Runner) *Module {
	return &Module{dialect: pgsql, runner: runner}
}

func (m *Module) Descriptor() module.Descriptor {
	return module.Descriptor{Name: m.dialect.name}
}

func (m *Module) Enabled(cfg *config.Config) bool {
	return m.dialect.settings(cfg).Enabled
}

func (m *Module) env(c config.SQLConfig) []string {
	if c.Password == "" {
		return nil
	}
	return []string{m.dialect.passwordEnv + "=" + c.Password}
}

func (m *Module) Execute(ctx context.Context, cfg *config.Config, rc *runctx.Context) error {
	c := m.dialect.settings(cfg)
	dir, cleanup, err := module.WorkDir(cfg.Base, m.dialect.name)
	if err != nil {
		return err
	}
	defer cleanup()

	dumpPath := filepath.Join(dir, c.Database+".sql")
	out, err := os.OpenFile(dumpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, util.PrivateFilePerms)
	if err != nil {
		return err
	}
	plog.Info("Dumping database", "service", m.dialect.name, "database", c.Database, "host", c.Host)
	err = m.runner.Run(ctx, command.Spec{Name: c.DumpTool, Args: m.dialect.dumpArgs(c), Env: m.env(c), Stdout: out})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	_, err = module.ArchiveDir(ctx, cfg, rc, m.dialect.name, dir, nil)
	return err
}

// Restore feeds every dump of the artifact to the client tool.
func (m *Module) Restore(ctx context.Context, cfg *config.Config, absArchivePath string) error {
	c := m.dialect.settings(cfg)
	dir, cleanup, err := module.WorkDir(cfg.Base, m.dialect.name)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := pathcompression.Extract(ctx, absArchivePath, dir); err != nil {
		return err
	}
	dumps, _ := filepath.Glob(filepath.Join(dir, "*.sql"))
	if len(dumps) == 0 {
		return fmt.Errorf("no sql dump found in %s", filepath.Base(absArchivePath))
	}
	for _, p := range dumps {
		if err := m.load(ctx, c, p); err != nil {
			return err
		}
		plog.Info("Database restored", "service", m.dialect.name, "dump", filepath.Base(p))
	}
	return nil
}

func (m *Module) load(ctx context.Context, c config.SQLConfig, dumpPath string) error {
	f, err := os.Open(dumpPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.runner.Run(ctx, command.Spec{Name: c.ClientTool, Args: m.dialect.clientArgs(c), Env: m.env(c), Stdin: f})
}

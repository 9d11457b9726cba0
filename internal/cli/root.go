package cli

import (
	"io"
	"time"

	"github.com/spf13/cobra"
)

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// GlobalOptions are the persistent flags shared by every command.
type GlobalOptions struct {
	JSON    bool
	Quiet   bool
	Yes     bool
	Timeout time.Duration

	ConfigPath    string
	PolicyPath    string
	DatabasePath  string
	BackupDir     string
	PoolSize      int
	QuiescePolicy string
	LogLevel      string

	KeyFile         string
	PassphraseFile  string
	PassphraseStdin bool
}

type commandDeps struct {
	out     io.Writer
	build   BuildInfo
	globals *GlobalOptions
}

func NewRootCommand(out io.Writer, build BuildInfo) *cobra.Command {
	globals := &GlobalOptions{}
	deps := commandDeps{out: out, build: build, globals: globals}

	cmd := &cobra.Command{
		Use:           "joumla",
		Short:         "Joumla data store: pooled SQLite access and encrypted backups",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)

	flags := cmd.PersistentFlags()
	flags.BoolVar(&globals.JSON, "json", false, "Print machine-readable JSON")
	flags.BoolVar(&globals.Quiet, "quiet", false, "Suppress non-error output")
	flags.BoolVar(&globals.Yes, "yes", false, "Confirm destructive operations")
	flags.DurationVar(&globals.Timeout, "timeout", 0, "Overall command timeout (0 means none)")
	flags.StringVar(&globals.ConfigPath, "config", "", "Config file path (env JOUMLA_CONFIG_PATH)")
	flags.StringVar(&globals.PolicyPath, "policy", "", "Policy file path (env JOUMLA_POLICY_FILE)")
	flags.StringVar(&globals.DatabasePath, "db", "", "Database file path (env JOUMLA_DB_PATH)")
	flags.StringVar(&globals.BackupDir, "backup-dir", "", "Archive directory (env JOUMLA_BACKUP_DIR)")
	flags.IntVar(&globals.PoolSize, "pool-size", 0, "Connection pool capacity (env JOUMLA_DB_POOL_SIZE)")
	flags.StringVar(&globals.QuiescePolicy, "quiesce-policy", "", "strict or best-effort (env JOUMLA_BACKUP_QUIESCE_POLICY)")
	flags.StringVar(&globals.LogLevel, "log-level", "", "debug, info, warn or error (env JOUMLA_LOG_LEVEL)")
	flags.StringVar(&globals.KeyFile, "key-file", "", "Hex master key file for archives (env "+envKeyFile+")")
	flags.StringVar(&globals.PassphraseFile, "passphrase-file", "", "File holding the archive passphrase")
	flags.BoolVar(&globals.PassphraseStdin, "passphrase-stdin", false, "Read the archive passphrase from stdin")

	cmd.AddCommand(
		newVersionCommand(deps),
		newInitCommand(deps),
		newExecCommand(deps),
		newQueryCommand(deps),
		newBackupCommand(deps),
		newProductCommand(deps),
		newAuditCommand(deps),
		newDoctorCommand(deps),
	)
	cmd.InitDefaultCompletionCmd()
	return cmd
}

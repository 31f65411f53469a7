package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/installmgr/pkg/config"
	"github.com/openfroyo/installmgr/pkg/engine"
)

// backupFlags are shared by backup and restore.
type backupFlags struct {
	directory string
	file      string
	retention int
	execute   bool
}

// backupConfig fills unset flags from the backup section of the config.
// The orchestrator adds the installed version when it detects the target.
func (f backupFlags) backupConfig(cfg *config.AppConfig) engine.BackupConfig {
	b := engine.BackupConfig{
		ArtifactName:    engine.ArtifactName,
		BackupDirectory: f.directory,
		BackupFile:      f.file,
		Retention:       f.retention,
	}
	if b.BackupDirectory == "" {
		b.BackupDirectory = cfg.Backup.Directory
	}
	if b.Retention < 0 {
		b.Retention = cfg.Backup.Retention
	}
	return b
}

func newBackupCommand() *cobra.Command {
	var flags backupFlags

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Plan or run a backup of the installation",
		Long: `Produce the plan archiving the installed artifact's data.

The installation is detected first; nothing is planned when no artifact is
installed. Multi-node backups collect archives from the data and api nodes
over SSH. Older archives beyond the retention count are removed.`,
		Example: `  # Show the backup plan
  imctl backup

  # Back up into a specific directory and keep the last 5 archives
  imctl backup --dir /srv/backups --retention 5 --execute`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				backup := flags.backupConfig(a.cfg)

				log.Info().
					Str("directory", backup.BackupDirectory).
					Int("retention", backup.Retention).
					Msg("Planning backup")

				plan, err := a.orch.Backup(ctx, backup, a.reader)
				if err != nil {
					return err
				}
				return a.handlePlan(ctx, cmd, plan, flags.execute)
			})
		},
	}

	cmd.Flags().StringVarP(&flags.directory, "dir", "d", "", "backup directory (default from config)")
	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "backup archive path (default derived from artifact and version)")
	cmd.Flags().IntVar(&flags.retention, "retention", -1, "number of archives to keep, 0 keeps all (default from config)")
	cmd.Flags().BoolVar(&flags.execute, "execute", false, "execute the plan after recording it")

	return cmd
}

func newRestoreCommand() *cobra.Command {
	var flags backupFlags

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Plan or run a restore from a backup archive",
		Long: `Produce the plan restoring the installed artifact's data from an archive.

The installation is detected first and must be present. Services are
stopped while data is replaced and started again afterwards.`,
		Example: `  # Show the restore plan
  imctl restore --file /srv/backups/codenvy_3.1.0_backup.tar.gz

  # Restore and run the plan
  imctl restore --file /srv/backups/codenvy_3.1.0_backup.tar.gz --execute`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				backup := flags.backupConfig(a.cfg)

				log.Info().
					Str("file", backup.BackupFile).
					Msg("Planning restore")

				plan, err := a.orch.Restore(ctx, backup, a.reader)
				if err != nil {
					return err
				}
				return a.handlePlan(ctx, cmd, plan, flags.execute)
			})
		},
	}

	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "backup archive to restore")
	cmd.Flags().StringVarP(&flags.directory, "dir", "d", "", "scratch directory (default from config)")
	cmd.Flags().BoolVar(&flags.execute, "execute", false, "execute the plan after recording it")
	flags.retention = -1
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

package engine

import (
	"fmt"

	"github.com/openfroyo/installmgr/pkg/version"
)

const singleNodeManifest = unpackDir + "/manifests/nodes/single_server/single_server.pp"

// singleNodeStrategy plans operations for an installation where every
// component, the puppet master and the puppet agent share one host.
type singleNodeStrategy struct{}

func (singleNodeStrategy) PlanInstall(v version.Version, binariesPath string, opts InstallOptions) (Plan, error) {
	if err := validateArtifactInput(binariesPath); err != nil {
		return Plan{}, err
	}
	host, err := requiredHost(opts, OptionHostURL)
	if err != nil {
		return Plan{}, err
	}

	b := newPlanBuilder(OperationInstall, TopologySingleNode).withVersion(v)
	b.local("Disable SELinux", disableSELinuxCommand())
	b.local("Install puppet binaries", installPuppetCommand("puppet-server puppet"))
	b.local("Unzip Codenvy binaries to "+unpackDir, unpackCommand(binariesPath))
	b.local("Configure Codenvy", configureCommand(singleNodeManifest, configurationProperties(opts)))
	b.local("Move Codenvy binaries to "+puppetDir, moveCommand())
	b.local("Configure puppet master", puppetConfSection("master",
		"certname = "+host,
		"autosign = true",
	))
	b.local("Launch puppet master", "sudo chkconfig puppetmaster on && sudo service puppetmaster start")
	b.local("Configure puppet agent", puppetConfSection("agent",
		"certname = "+host,
		"server = "+host,
		"runinterval = 420",
	))
	b.local("Launch puppet agent", "sudo chkconfig puppet on && sudo service puppet start")
	b.local("Install Codenvy", applyPuppetCommand())
	b.waitForVersion("Boot Codenvy", host, v, installTimeout)
	return b.build(), nil
}

func (singleNodeStrategy) PlanUpdate(v version.Version, binariesPath string, opts InstallOptions) (Plan, error) {
	if err := validateArtifactInput(binariesPath); err != nil {
		return Plan{}, err
	}
	host, err := requiredHost(opts, OptionHostURL)
	if err != nil {
		return Plan{}, err
	}

	b := newPlanBuilder(OperationUpdate, TopologySingleNode).withVersion(v)
	b.local("Unzip Codenvy binaries to "+unpackDir, unpackCommand(binariesPath))
	b.local("Configure Codenvy", configureCommand(singleNodeManifest, configurationProperties(opts)))
	b.local("Patch resources", patchCommand(v))
	b.local("Move Codenvy binaries to "+puppetDir, moveCommand())
	b.waitForVersion("Update Codenvy", host, v, updateTimeout)
	return b.build(), nil
}

func (singleNodeStrategy) PlanBackup(backup BackupConfig, cfg *InstalledConfig) (Plan, error) {
	if err := validateBackupInput(backup, cfg); err != nil {
		return Plan{}, err
	}
	tmp := backup.TempDirectory()
	dataDir := cfg.Property(PropertyDataDir, defaultDataDir)

	b := newPlanBuilder(OperationBackup, TopologySingleNode)
	b.local("Prepare backup directory", fmt.Sprintf("rm -rf %[1]s && mkdir -p %[1]s/mongo %[1]s/ldap", tmp))
	b.local("Stop services", stopServicesCommand())
	b.local("Back up MongoDB", fmt.Sprintf("mongodump %s --out %s/mongo", mongoCredentials(cfg), tmp))
	b.local("Back up LDAP", fmt.Sprintf("sudo slapcat > %s/ldap/ldap.ldif", tmp))
	b.local("Back up file system data", fmt.Sprintf("sudo tar -C %s -cf %s/fs.tar .", dataDir, tmp))
	b.local("Pack backup archive", packCommand(backup))
	b.local("Start services", startServicesCommand())
	b.local("Remove temporary files", "rm -rf "+tmp)
	if backup.Retention > 0 {
		b.local("Remove old backups", pruneBackupsCommand(backup))
	}
	return b.build(), nil
}

func (singleNodeStrategy) PlanRestore(backup BackupConfig, cfg *InstalledConfig) (Plan, error) {
	if err := validateBackupInput(backup, cfg); err != nil {
		return Plan{}, err
	}
	tmp := backup.TempDirectory()
	dataDir := cfg.Property(PropertyDataDir, defaultDataDir)

	b := newPlanBuilder(OperationRestore, TopologySingleNode)
	b.local("Check backup file", "test -f "+shellQuote(backup.File()))
	b.local("Stop services", stopServicesCommand())
	b.local("Unpack backup archive", unpackBackupCommand(backup))
	b.local("Restore MongoDB", fmt.Sprintf("mongorestore %s --drop %s/mongo", mongoCredentials(cfg), tmp))
	b.local("Restore LDAP", restoreLDAPCommand(tmp+"/ldap/ldap.ldif"))
	b.local("Restore file system data", restoreFSCommand(dataDir, tmp+"/fs.tar"))
	b.local("Start services", startServicesCommand())
	b.local("Remove temporary files", "rm -rf "+tmp)
	return b.build(), nil
}

func validateBackupInput(backup BackupConfig, cfg *InstalledConfig) error {
	if err := backup.Validate(); err != nil {
		return err
	}
	if cfg == nil {
		return newInvalidOptionsError("installed configuration is required")
	}
	return nil
}

func stopServicesCommand() string {
	return "sudo service puppet stop && sudo service codenvy stop"
}

func startServicesCommand() string {
	return "sudo service codenvy start && sudo service puppet start"
}

func packCommand(backup BackupConfig) string {
	return fmt.Sprintf("mkdir -p %s && tar -C %s -czf %s .",
		backup.BackupDirectory, backup.TempDirectory(), shellQuote(backup.File()))
}

func unpackBackupCommand(backup BackupConfig) string {
	return fmt.Sprintf("rm -rf %[1]s && mkdir -p %[1]s && tar -C %[1]s -xzf %[2]s",
		backup.TempDirectory(), shellQuote(backup.File()))
}

func restoreLDAPCommand(ldif string) string {
	return "sudo rm -rf /var/lib/ldap/* && sudo slapadd -l " + ldif + " && sudo chown -R ldap:ldap /var/lib/ldap"
}

func restoreFSCommand(dataDir, archive string) string {
	return fmt.Sprintf("sudo rm -rf %[1]s && sudo mkdir -p %[1]s && sudo tar -C %[1]s -xf %[2]s", dataDir, archive)
}

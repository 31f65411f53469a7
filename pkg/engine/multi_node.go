package engine

import (
	"fmt"
	"sort"

	"github.com/openfroyo/installmgr/pkg/version"
)

const (
	multiNodeManifest = unpackDir + "/manifests/nodes/multi_server/custom_configurations.pp"

	remoteBackupDir     = "/tmp/codenvy-backup"
	remoteDataArchive   = "/tmp/codenvy-data-backup.tar.gz"
	remoteFSArchive     = "/tmp/codenvy-fs-backup.tar.gz"
	localDataArchive    = "data.tar.gz"
	localFSArchive      = "fs.tar.gz"
	puppetAgentPackages = "puppet"
)

// roleRank fixes the order in which node roles are provisioned.
var roleRank = map[NodeRole]int{
	NodeRoleData:       0,
	NodeRoleDatasource: 1,
	NodeRoleAnalytics:  2,
	NodeRoleBuilder:    3,
	NodeRoleRunner:     4,
	NodeRoleAPI:        5,
	NodeRoleSite:       6,
}

// multiNodeStrategy plans operations for an installation spread over
// dedicated nodes. The machine executing the plan acts as puppet master.
type multiNodeStrategy struct{}

func (multiNodeStrategy) PlanInstall(v version.Version, binariesPath string, opts InstallOptions) (Plan, error) {
	host, master, nodes, err := multiNodeInput(v, binariesPath, opts)
	if err != nil {
		return Plan{}, err
	}

	b := newPlanBuilder(OperationInstall, TopologyMultiNode).withVersion(v)
	b.local("Disable SELinux on puppet master", disableSELinuxCommand())
	b.local("Install puppet master", installPuppetCommand("puppet-server"))
	b.local("Unzip Codenvy binaries to "+unpackDir, unpackCommand(binariesPath))
	b.local("Configure Codenvy", configureCommand(multiNodeManifest, configurationProperties(opts)))
	b.local("Move Codenvy binaries to "+puppetDir, moveCommand())
	b.local("Configure puppet master", puppetConfSection("master",
		"certname = "+master,
		"autosign = true",
	))
	b.local("Launch puppet master", "sudo chkconfig puppetmaster on && sudo service puppetmaster start")

	for _, n := range nodes {
		label := nodeLabel(n)
		b.remote(n.Host, "Disable SELinux on "+label, disableSELinuxCommand())
		b.remote(n.Host, "Install puppet agent on "+label, installPuppetCommand(puppetAgentPackages))
		b.remote(n.Host, "Configure puppet agent on "+label, puppetConfSection("agent",
			"certname = "+n.Host,
			"server = "+master,
			"runinterval = 420",
		))
		b.remote(n.Host, "Launch puppet agent on "+label, "sudo chkconfig puppet on && sudo service puppet start")
	}
	for _, n := range nodes {
		b.remote(n.Host, "Install Codenvy on "+nodeLabel(n), applyPuppetCommand())
	}

	b.waitForVersion("Boot Codenvy", host, v, installTimeout)
	return b.build(), nil
}

func (multiNodeStrategy) PlanUpdate(v version.Version, binariesPath string, opts InstallOptions) (Plan, error) {
	host, _, nodes, err := multiNodeInput(v, binariesPath, opts)
	if err != nil {
		return Plan{}, err
	}

	b := newPlanBuilder(OperationUpdate, TopologyMultiNode).withVersion(v)
	for _, n := range nodes {
		b.remote(n.Host, "Check access to "+nodeLabel(n), "sudo -n true")
	}
	b.local("Unzip Codenvy binaries to "+unpackDir, unpackCommand(binariesPath))
	b.local("Configure Codenvy", configureCommand(multiNodeManifest, configurationProperties(opts)))
	b.local("Patch resources", patchCommand(v))
	b.local("Move Codenvy binaries to "+puppetDir, moveCommand())
	b.waitForVersion("Update Codenvy", host, v, updateTimeout)
	return b.build(), nil
}

func (multiNodeStrategy) PlanBackup(backup BackupConfig, cfg *InstalledConfig) (Plan, error) {
	data, api, err := backupNodes(backup, cfg)
	if err != nil {
		return Plan{}, err
	}
	tmp := backup.TempDirectory()
	dataDir := cfg.Property(PropertyDataDir, defaultDataDir)

	b := newPlanBuilder(OperationBackup, TopologyMultiNode)
	b.local("Prepare backup directory", fmt.Sprintf("rm -rf %[1]s && mkdir -p %[1]s", tmp))
	b.remote(api.Host, "Stop services on "+nodeLabel(api), stopServicesCommand())
	b.remote(data.Host, "Back up MongoDB on "+nodeLabel(data),
		fmt.Sprintf("rm -rf %[1]s && mkdir -p %[1]s/mongo && mongodump %[2]s --out %[1]s/mongo",
			remoteBackupDir, mongoCredentials(cfg)))
	b.remote(data.Host, "Back up LDAP on "+nodeLabel(data),
		fmt.Sprintf("sudo slapcat > %s/ldap.ldif", remoteBackupDir))
	b.remote(data.Host, "Pack backup on "+nodeLabel(data),
		fmt.Sprintf("tar -C %s -czf %s . && rm -rf %s", remoteBackupDir, remoteDataArchive, remoteBackupDir))
	b.remote(api.Host, "Back up file system data on "+nodeLabel(api),
		fmt.Sprintf("sudo tar -C %s -czf %s .", dataDir, remoteFSArchive))
	b.copyFrom(data.Host, "Copy backup from "+nodeLabel(data), remoteDataArchive, tmp+"/"+localDataArchive)
	b.copyFrom(api.Host, "Copy backup from "+nodeLabel(api), remoteFSArchive, tmp+"/"+localFSArchive)
	b.remote(api.Host, "Start services on "+nodeLabel(api), startServicesCommand())
	b.local("Pack backup archive", packCommand(backup))
	b.remote(data.Host, "Remove temporary files on "+nodeLabel(data), "rm -f "+remoteDataArchive)
	b.remote(api.Host, "Remove temporary files on "+nodeLabel(api), "sudo rm -f "+remoteFSArchive)
	b.local("Remove temporary files", "rm -rf "+tmp)
	if backup.Retention > 0 {
		b.local("Remove old backups", pruneBackupsCommand(backup))
	}
	return b.build(), nil
}

func (multiNodeStrategy) PlanRestore(backup BackupConfig, cfg *InstalledConfig) (Plan, error) {
	data, api, err := backupNodes(backup, cfg)
	if err != nil {
		return Plan{}, err
	}
	tmp := backup.TempDirectory()
	dataDir := cfg.Property(PropertyDataDir, defaultDataDir)

	b := newPlanBuilder(OperationRestore, TopologyMultiNode)
	b.local("Check backup file", "test -f "+shellQuote(backup.File()))
	b.local("Unpack backup archive", unpackBackupCommand(backup))
	b.copyTo(data.Host, "Copy backup to "+nodeLabel(data), tmp+"/"+localDataArchive, remoteDataArchive)
	b.copyTo(api.Host, "Copy backup to "+nodeLabel(api), tmp+"/"+localFSArchive, remoteFSArchive)
	b.remote(api.Host, "Stop services on "+nodeLabel(api), stopServicesCommand())
	b.remote(data.Host, "Unpack backup on "+nodeLabel(data),
		fmt.Sprintf("rm -rf %[1]s && mkdir -p %[1]s && tar -C %[1]s -xzf %[2]s", remoteBackupDir, remoteDataArchive))
	b.remote(data.Host, "Restore MongoDB on "+nodeLabel(data),
		fmt.Sprintf("mongorestore %s --drop %s/mongo", mongoCredentials(cfg), remoteBackupDir))
	b.remote(data.Host, "Restore LDAP on "+nodeLabel(data), restoreLDAPCommand(remoteBackupDir+"/ldap.ldif"))
	b.remote(api.Host, "Restore file system data on "+nodeLabel(api),
		fmt.Sprintf("sudo rm -rf %[1]s && sudo mkdir -p %[1]s && sudo tar -C %[1]s -xzf %[2]s", dataDir, remoteFSArchive))
	b.remote(api.Host, "Start services on "+nodeLabel(api), startServicesCommand())
	b.remote(data.Host, "Remove temporary files on "+nodeLabel(data),
		fmt.Sprintf("rm -rf %s %s", remoteBackupDir, remoteDataArchive))
	b.remote(api.Host, "Remove temporary files on "+nodeLabel(api), "sudo rm -f "+remoteFSArchive)
	b.local("Remove temporary files", "rm -rf "+tmp)
	return b.build(), nil
}

// multiNodeInput validates install and update input and returns the status
// host, the puppet master host and the nodes in provisioning order.
func multiNodeInput(v version.Version, binariesPath string, opts InstallOptions) (string, string, []Node, error) {
	if err := validateArtifactInput(binariesPath); err != nil {
		return "", "", nil, err
	}
	host, err := requiredHost(opts, OptionHostURL)
	if err != nil {
		return "", "", nil, err
	}
	master, err := requiredHost(opts, OptionPuppetMasterHost)
	if err != nil {
		return "", "", nil, err
	}
	nodes := opts.Nodes()
	if len(nodes) == 0 {
		return "", "", nil, newInvalidOptionsError("multi-node operations require at least one node")
	}
	for _, n := range nodes {
		if _, ok := roleRank[n.Role]; !ok {
			return "", "", nil, newInvalidOptionsError(fmt.Sprintf("unknown node role %q", n.Role))
		}
		if n.Host == "" {
			return "", "", nil, newInvalidOptionsError(fmt.Sprintf("node with role %q has no host", n.Role))
		}
		if err := validateHost(n.Host); err != nil {
			return "", "", nil, newInvalidOptionsError(fmt.Sprintf("node with role %q: %q is not a valid host", n.Role, n.Host))
		}
	}
	sortNodes(nodes)
	return host, master, nodes, nil
}

func backupNodes(backup BackupConfig, cfg *InstalledConfig) (Node, Node, error) {
	if err := validateBackupInput(backup, cfg); err != nil {
		return Node{}, Node{}, err
	}
	data := cfg.NodesByRole(NodeRoleData)
	if len(data) == 0 {
		return Node{}, Node{}, newInvalidOptionsError("installed configuration has no data node")
	}
	api := cfg.NodesByRole(NodeRoleAPI)
	if len(api) == 0 {
		return Node{}, Node{}, newInvalidOptionsError("installed configuration has no api node")
	}
	return data[0], api[0], nil
}

func sortNodes(nodes []Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return roleRank[nodes[i].Role] < roleRank[nodes[j].Role]
	})
}

func nodeLabel(n Node) string {
	return fmt.Sprintf("%s node %s", n.Role, n.Host)
}

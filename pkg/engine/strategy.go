package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/installmgr/pkg/version"
)

// Artifact identity. ArtifactPriority orders artifacts in listings.
const (
	ArtifactName     = "codenvy"
	ArtifactPriority = 10
)

// Option keys read by the strategies. Every other option key is treated as
// an artifact configuration property and written into the puppet manifests.
const (
	OptionHostURL          = "host_url"
	OptionPuppetMasterHost = "puppet_master_host"
)

// Property keys read from the installed configuration.
const (
	PropertyMongoAdminUser     = "mongo_admin_user_name"
	PropertyMongoAdminPassword = "mongo_admin_pass"
	PropertyDataDir            = "codenvy_data_dir"
)

const (
	unpackDir = "/tmp/codenvy"
	puppetDir = "/etc/puppet"

	defaultMongoAdminUser = "SuperAdmin"
	defaultDataDir        = "/home/codenvy/codenvy-data"

	installTimeout = 40 * time.Minute
	updateTimeout  = 20 * time.Minute
)

// DefaultStrategies returns the built-in topology table.
func DefaultStrategies() map[Topology]Strategy {
	return map[Topology]Strategy{
		TopologySingleNode: singleNodeStrategy{},
		TopologyMultiNode:  multiNodeStrategy{},
	}
}

// requiredOption returns a non-blank option or a validation error.
func requiredOption(opts InstallOptions, key string) (string, error) {
	v := strings.TrimSpace(opts.ParamOr(key, ""))
	if v == "" {
		return "", newInvalidOptionsError(fmt.Sprintf("option %q is required for %s", key, opts.Topology()))
	}
	return v, nil
}

var hostValidate = validator.New()

// requiredHost returns a required option that must be a host name, an IP
// address or host:port. Hosts end up in shell commands and puppet.conf.
func requiredHost(opts InstallOptions, key string) (string, error) {
	v, err := requiredOption(opts, key)
	if err != nil {
		return "", err
	}
	if err := validateHost(v); err != nil {
		return "", newInvalidOptionsError(fmt.Sprintf("option %q: %q is not a valid host", key, v))
	}
	return v, nil
}

func validateHost(host string) error {
	return hostValidate.Var(host, "hostname_rfc1123|hostname_port|ip")
}

func validateArtifactInput(binariesPath string) error {
	if strings.TrimSpace(binariesPath) == "" {
		return newInvalidOptionsError("binaries path is required")
	}
	return nil
}

// configurationProperties returns the options written into the manifests.
func configurationProperties(opts InstallOptions) map[string]string {
	props := opts.Params()
	delete(props, OptionPuppetMasterHost)
	return props
}

func unpackCommand(binariesPath string) string {
	return fmt.Sprintf("rm -rf %[1]s && mkdir -p %[1]s && unzip -o %[2]s -d %[1]s",
		unpackDir, shellQuote(binariesPath))
}

// configureCommand rewrites `$key = "..."` assignments in manifest.
func configureCommand(manifest string, props map[string]string) string {
	keys := sortedKeys(props)
	if len(keys) == 0 {
		return fmt.Sprintf("test -f %s", manifest)
	}

	cmds := make([]string, 0, len(keys))
	for _, key := range keys {
		expr := fmt.Sprintf(`s|\$%s *= *"[^"]*"|$%s = "%s"|g`, sedEscape(key), key, sedEscape(props[key]))
		cmds = append(cmds, fmt.Sprintf("sudo sed -i %s %s", shellQuote(expr), manifest))
	}
	return strings.Join(cmds, " && ")
}

func patchCommand(v version.Version) string {
	script := fmt.Sprintf("%s/patches/%s/patch_before_update.sh", unpackDir, v)
	return fmt.Sprintf("if [ -f %[1]s ]; then sudo bash %[1]s; fi", script)
}

func moveCommand() string {
	return fmt.Sprintf("sudo rm -rf %[2]s/files %[2]s/modules %[2]s/manifests && sudo cp -r %[1]s/* %[2]s/ && rm -rf %[1]s",
		unpackDir, puppetDir)
}

func disableSELinuxCommand() string {
	return "if sudo test -f /etc/selinux/config; then sudo setenforce 0 || true; " +
		"sudo sed -i s/SELINUX=enforcing/SELINUX=disabled/g /etc/selinux/config; fi"
}

func installPuppetCommand(packages string) string {
	return "if ! sudo grep -q puppetlabs /etc/yum.repos.d/*.repo 2>/dev/null; then " +
		"sudo yum -y -q install https://yum.puppetlabs.com/el/6/products/x86_64/puppetlabs-release-6-7.noarch.rpm; fi && " +
		"sudo yum -y -q install " + packages
}

// puppetConfSection appends a section to puppet.conf. Every line is passed
// to printf as a quoted argument, never as the format.
func puppetConfSection(section string, lines ...string) string {
	args := make([]string, 0, len(lines)+1)
	args = append(args, shellQuote("["+section+"]"))
	for _, l := range lines {
		args = append(args, shellQuote("  "+l))
	}
	return fmt.Sprintf(`printf '%%s\n' %s | sudo tee -a %s/puppet.conf > /dev/null`,
		strings.Join(args, " "), puppetDir)
}

func applyPuppetCommand() string {
	return "sudo puppet agent --onetime --ignorecache --no-daemonize --no-usecacheonfailure --no-splay --logdest=syslog"
}

func mongoCredentials(cfg *InstalledConfig) string {
	return fmt.Sprintf("-u%s -p%s --authenticationDatabase admin",
		shellQuote(cfg.Property(PropertyMongoAdminUser, defaultMongoAdminUser)),
		shellQuote(cfg.Property(PropertyMongoAdminPassword, "")))
}

func pruneBackupsCommand(backup BackupConfig) string {
	dir := strings.TrimSuffix(backup.BackupDirectory, "/")
	return fmt.Sprintf("ls -1t %s/%s_*backup.tar.gz 2>/dev/null | tail -n +%d | xargs -r rm -f",
		dir, backup.ArtifactName, backup.Retention+1)
}

// shellQuote wraps s in single quotes for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// sedEscape escapes s for use inside a sed expression delimited by '|'.
func sedEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `|`, `\|`, `&`, `\&`)
	return r.Replace(s)
}

package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/installmgr/pkg/engine"
	"github.com/openfroyo/installmgr/pkg/version"
)

// artifactFlags are shared by install and update.
type artifactFlags struct {
	version  string
	binaries string
	topology string
	options  map[string]string
	nodes    []string
	info     bool
	execute  bool
}

func (f *artifactFlags) bind(cmd *cobra.Command, defaultTopology string) {
	cmd.Flags().StringVar(&f.version, "version", "", "artifact version to install")
	cmd.Flags().StringVarP(&f.binaries, "binaries", "b", "", "path of the binaries archive")
	cmd.Flags().StringVarP(&f.topology, "topology", "t", defaultTopology, "target topology (single-node, multi-node)")
	cmd.Flags().StringToStringVarP(&f.options, "option", "o", nil, "configuration option as key=value (host_url, puppet_master_host, artifact properties)")
	cmd.Flags().StringSliceVarP(&f.nodes, "node", "n", nil, "multi-node host as role=host")
	cmd.Flags().BoolVar(&f.info, "info", false, "only list the steps the operation would run")
	cmd.Flags().BoolVar(&f.execute, "execute", false, "execute the plan after recording it")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("binaries")
	cmd.MarkFlagsMutuallyExclusive("info", "execute")
}

func (f *artifactFlags) parse() (version.Version, []engine.Node, error) {
	v, err := version.Parse(f.version)
	if err != nil {
		return version.Version{}, nil, err
	}
	nodes, err := parseNodes(f.nodes)
	if err != nil {
		return version.Version{}, nil, err
	}
	return v, nodes, nil
}

// parseNodes converts role=host pairs.
func parseNodes(values []string) ([]engine.Node, error) {
	nodes := make([]engine.Node, 0, len(values))
	for _, value := range values {
		role, host, ok := strings.Cut(value, "=")
		role, host = strings.TrimSpace(role), strings.TrimSpace(host)
		if !ok || role == "" || host == "" {
			return nil, fmt.Errorf("invalid node %q: expected role=host", value)
		}
		nodes = append(nodes, engine.Node{Role: engine.NodeRole(role), Host: host})
	}
	return nodes, nil
}

func newInstallCommand() *cobra.Command {
	var flags artifactFlags

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Plan or run a fresh installation",
		Long: `Produce the installation plan for the requested topology.

The plan is recorded in the plan history and printed. With --execute the
steps are run in order, stopping at the first failure. Installing never
inspects what is already present on the target.`,
		Example: `  # Show the steps of a single-node installation
  imctl install --version 3.1.0 --binaries /tmp/codenvy-3.1.0.zip --option host_url=codenvy.example.com --info

  # Install on dedicated nodes and run the plan
  imctl install --version 3.1.0 --binaries /tmp/codenvy-3.1.0.zip --topology multi-node \
    --option host_url=codenvy.example.com --option puppet_master_host=master.example.com \
    --node data=data.example.com --node api=api.example.com --node site=site.example.com --execute`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, nodes, err := flags.parse()
			if err != nil {
				return err
			}
			topology, err := engine.ParseTopology(flags.topology)
			if err != nil {
				return err
			}
			opts := engine.NewInstallOptions(topology, flags.options, nodes...)

			log.Info().
				Str("version", v.String()).
				Str("topology", string(topology)).
				Int("nodes", len(nodes)).
				Bool("execute", flags.execute).
				Msg("Planning installation")

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if flags.info {
					descriptions, err := a.orch.InstallInfo(ctx, v, flags.binaries, opts)
					if err != nil {
						return err
					}
					return renderDescriptions(cmd.OutOrStdout(), descriptions)
				}
				plan, err := a.orch.Install(ctx, v, flags.binaries, opts)
				if err != nil {
					return err
				}
				return a.handlePlan(ctx, cmd, plan, flags.execute)
			})
		},
	}

	flags.bind(cmd, string(engine.TopologySingleNode))
	return cmd
}

func newUpdateCommand() *cobra.Command {
	var flags artifactFlags

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Plan or run an in-place update",
		Long: `Produce the update plan for the installed artifact.

The requested topology must match the installed one; an update never moves
an installation between topologies. When --topology is omitted the
installed topology is used, and host_url and multi-node hosts default to
the values in the installed configuration.`,
		Example: `  # Show the steps updating the current installation
  imctl update --version 3.2.0 --binaries /tmp/codenvy-3.2.0.zip --info

  # Update and run the plan
  imctl update --version 3.2.0 --binaries /tmp/codenvy-3.2.0.zip --execute`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, nodes, err := flags.parse()
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				opts, err := a.updateOptions(ctx, flags.topology, flags.options, nodes)
				if err != nil {
					return err
				}

				log.Info().
					Str("version", v.String()).
					Str("topology", string(opts.Topology())).
					Bool("execute", flags.execute).
					Msg("Planning update")

				if flags.info {
					descriptions, err := a.orch.UpdateInfo(ctx, v, flags.binaries, opts)
					if err != nil {
						return err
					}
					return renderDescriptions(cmd.OutOrStdout(), descriptions)
				}
				plan, err := a.orch.Update(ctx, v, flags.binaries, opts)
				if err != nil {
					return err
				}
				return a.handlePlan(ctx, cmd, plan, flags.execute)
			})
		},
	}

	flags.bind(cmd, "")
	return cmd
}

// updateOptions fills what the update flags omit from the installed
// configuration. A missing configuration leaves the options as given and
// the orchestrator reports the mismatch.
func (a *app) updateOptions(ctx context.Context, topologyFlag string, params map[string]string, nodes []engine.Node) (engine.InstallOptions, error) {
	var topology engine.Topology
	if topologyFlag != "" {
		t, err := engine.ParseTopology(topologyFlag)
		if err != nil {
			return engine.InstallOptions{}, err
		}
		topology = t
	}

	installed, err := a.reader.LoadInstalled(ctx)
	if err != nil {
		a.logger.Debug().Err(err).Msg("Installed configuration unavailable for update defaults")
		return engine.NewInstallOptions(topology, params, nodes...), nil
	}

	if topology == "" {
		topology = installed.Topology
	}
	merged := make(map[string]string, len(params)+1)
	if installed.HostURL != "" {
		merged[engine.OptionHostURL] = installed.HostURL
	}
	for k, v := range params {
		merged[k] = v
	}
	if len(nodes) == 0 && topology == engine.TopologyMultiNode {
		nodes = installed.Nodes
	}
	return engine.NewInstallOptions(topology, merged, nodes...), nil
}

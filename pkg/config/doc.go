// Package config loads imctl configuration and the installed artifact
// configuration.
//
// # Files
//
// The imctl configuration (imctl.yaml) names the installed configuration,
// the puppet configuration, the plan store and the telemetry and SSH
// settings. Fields not present in the file keep their defaults.
//
// The installed configuration describes what is deployed:
//
//	topology: multi-node
//	host_url: codenvy.example.com
//	nodes:
//	  - role: data
//	    host: data.example.com
//	  - role: api
//	    host: api.example.com
//	properties:
//	  mongo_admin_pass: secret
//
// When topology is omitted it is inferred from puppet.conf: a host whose
// [agent] certname equals its [master] certname is single-node.
//
// # Watching
//
// Watcher reports changes to either file so callers can re-run detection.
package config

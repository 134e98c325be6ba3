// Package launcher turns a launch manifest into a running embedded server.
//
// A manifest names the server implementation, the artifacts that make up its
// isolated name space, the connector ports and the properties handed to the
// server. The launcher checks the ports, resolves the properties, builds the
// isolation boundary and drives the server through a lifecycle.Coordinator.
//
// # Quick Start
//
//	service, err := launcher.NewBuilder().
//	    WithManifestFile("./servers/gateway/manifest.yaml").
//	    Build()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if _, err := service.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer service.Stop(context.Background())
//
// # Launch Manifests
//
//	# servers/gateway/manifest.yaml
//	name: gateway
//	implementation: com.example.gateway.Server
//
//	artifacts:
//	  - group: com.example
//	    artifact: gateway
//	    path: ./lib/gateway.jar
//	  - group: com.example
//	    artifact: gateway-deps
//	    path: ./lib/deps
//
//	shared:
//	  - com.example.api.*
//
//	port: 8080
//	ssl_port: 8443
//	start_timeout: 60s
//	log_dir: ./logs
//	config_dir: ./etc
//
//	properties:
//	  log.level: info
//	properties_file: ./gateway.properties
//
//	# Optional: run the implementation entry as a child process
//	process:
//	  args: ["--foreground"]
//	  health_path: /health
//	  grace_period: 10s
//
// Relative paths resolve against the manifest's directory. Registry.Discover
// loads every <dir>/*/manifest.yaml under a root directory.
//
// # Property Precedence
//
// From strongest to weakest:
//
//   - connector settings derived from the manifest (ports, message size)
//     and home
//   - PRISM_EMBED_PROP_* variables already in the environment, unless the
//     manifest sets force: true
//   - inline properties
//   - properties_file entries
//   - log_dir and config_dir, filling embed.log.dir and embed.config.dir
//   - PRISM_EMBED_HOME, filling embed.home
//
// # Process Servers
//
// When a manifest has a process section, the implementation entry located
// inside the isolated artifacts (or process.executable) is executed.
// Properties are exported as upper-case environment variables, so
// embed.connector.port becomes EMBED_CONNECTOR_PORT. The server counts as
// started once ready_address accepts connections (or health_path answers
// 200), and Stop sends SIGTERM followed by SIGKILL after the grace period.
//
// # Troubleshooting
//
// Port unavailable:
//   - Another process holds the port: lsof -i :<port>
//   - The error names the port; nothing has been constructed yet
//
// Construction failed:
//   - The implementation name must be found in one of the manifest's
//     artifacts, not on the host side
//   - A registered constructor (or a process section) must exist for it
//
// Start timed out:
//   - The server is left running; call Stop to shut it down
//   - Raise start_timeout or set wait_for_start: false
package launcher

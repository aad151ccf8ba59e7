// Package defaults provides embedded copies of the example client
// configuration for the scholar init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte

//go:embed servers_config.example.json
var ServersJSON []byte

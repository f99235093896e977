/*
Package config assembles the bridge and worker-face configurations.

Precedence, lowest to highest: built-in defaults, an optional YAML file
named by --config, then the fixed BRIDGE_* / IGOR_* environment
variables. Durations are configured in milliseconds on the environment
(the *_MS suffix) and as Go duration strings in YAML.
*/
package config

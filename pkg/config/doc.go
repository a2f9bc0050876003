/*
Package config loads and validates lattice runtime tunables from YAML.

	cfg, err := config.Load("lattice.yaml")

Absent fields fall back to Default(). Validation failures name the offending
field.
*/
package config

// Package configs embeds the configuration templates written by
// `amanidx init`.
//
// Both templates list every setting with its default, commented out, in the
// layout internal/config reads. Sources are applied in this order, later
// ones winning:
//  1. Defaults (internal/config NewConfig)
//  2. User config (~/.config/amanidx/config.yaml)
//  3. Project config (.amanidx.yaml)
//  4. Environment variables (AMANIDX_*)
package configs

import _ "embed"

// UserConfigTemplate holds machine-wide settings: data dir, backend tuning,
// workflow parallelism. Written by `amanidx init --user`.
//
//go:embed user-config.example.yaml
var UserConfigTemplate string

// ProjectConfigTemplate holds settings for one document collection: which
// paths are watched and which indexes are built. Written by `amanidx init`
// as .amanidx.yaml.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the bureau-e2ee daemon configuration.
//
// Configuration comes from exactly one YAML file, named either by the
// --config flag or the BUREAU_E2EE_CONFIG environment variable. There
// is no discovery and no environment-variable override of individual
// fields: the file is the single auditable source. The only expansion
// performed is ${VAR} and ${VAR:-default} inside filesystem paths.
//
// [Default] supplies every default; [LoadFile] overlays the file on
// top of it; [Config.Validate] reports every problem at once with
// errors.Join.
package config

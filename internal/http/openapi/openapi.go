// Package openapi holds the bridge's OpenAPI document, served at /openapi.yaml.
package openapi

import _ "embed"

//go:embed openapi.yaml
var YAML []byte

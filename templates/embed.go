// Package templates embeds the files written by `fedy init`.
package templates

import "embed"

//go:embed config.yaml agent.md
var FS embed.FS

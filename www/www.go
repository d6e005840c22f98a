// Package www embeds the site shell template and the default static assets.
package www

import "embed"

//go:embed templates public
var FS embed.FS

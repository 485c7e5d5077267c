// Package web holds the browser compass served at "/".
package web

import "embed"

// FS is the compass UI: index.html, style.css and app.js.
//
//go:embed *.html *.css *.js
var FS embed.FS

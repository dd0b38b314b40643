package web

import (
	"embed"
)

// staticFiles holds the control page. The binary embeds everything
// under static/.
//
//go:embed static/*
var staticFiles embed.FS

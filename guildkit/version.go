package guildkit

// Set via -ldflags at build time.
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

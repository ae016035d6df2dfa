package main

import "time"

// Flag structs to decouple cobra from logic for testing.

// ServeFlags configures the daemon. Registry file values apply first; any
// explicitly set flag overrides them.
type ServeFlags struct {
	ConfigPath string
	Listen     string
	BasePath   string
	LogLevel   string
	LogFile    string
}

// RemoteFlags is the daemon connection shared by all remote commands.
type RemoteFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type LogsFlags struct {
	RemoteFlags
	Lines int
}

type KillFlags struct {
	RemoteFlags
	Force bool
}

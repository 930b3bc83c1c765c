package cmd

import "github.com/fulmenhq/gofulmen/foundry"

// Exit codes used by commands, taken from the foundry catalog.
var (
	exitInvalidArgument    = int(foundry.ExitInvalidArgument)
	exitFileNotFound       = int(foundry.ExitFileNotFound)
	exitFileReadError      = int(foundry.ExitFileReadError)
	exitFileWriteError     = int(foundry.ExitFileWriteError)
	exitSignalInt          = int(foundry.ExitSignalInt)
	exitServiceUnavailable = int(foundry.ExitExternalServiceUnavailable)
)

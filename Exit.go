/*
File Name:  Exit.go
Copyright:  2019 Golem Factory
Author:     Golem Factory
*/

package transfer

// Exit codes signal why the daemon exited. Clients are encouraged to log
// additional details in a log file.
const (
	ExitSuccess            = 0
	ExitErrorConfigAccess  = 1 // Error accessing the config file.
	ExitErrorConfigRead    = 2 // Error reading the config file.
	ExitErrorConfigParse   = 3 // Error parsing the config file.
	ExitErrorLogInit       = 4 // Error initializing log file.
	ExitParamWebapiInvalid = 5 // Parameter for webapi is invalid.
	ExitCatalogCorrupt     = 6 // Catalog data directory cannot be initialized.
	ExitErrorListen        = 7 // Cannot bind the peer listen port.
	ExitGraceful           = 9 // Graceful shutdown.
)

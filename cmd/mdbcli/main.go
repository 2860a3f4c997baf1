// Command mdbcli is a command-line client for MemcacheDB, built on top of
// the memcachedb package the way dKV's cmd/ tree is built on top of its own
// store library: cobra for the command tree, viper for configuration, and
// (for the server list specifically) viper's file watcher for hot reload.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

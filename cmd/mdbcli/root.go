package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaycache/memcachedb/memcachedb"
)

var cliErrOut = os.Stderr

var rootCmd = &cobra.Command{
	Use:   "mdbcli",
	Short: "Command-line client for MemcacheDB",
	Long: `mdbcli is a command-line client for MemcacheDB, speaking the same
consistent-hashed, failover-aware protocol as the memcachedb Go client.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	key := "servers"
	rootCmd.PersistentFlags().String(key, "127.0.0.1:21201",
		"Comma-separated list of server specs (host[:port[:weight]])")

	key = "namespace"
	rootCmd.PersistentFlags().String(key, "", "Key namespace prefix")

	key = "timeout-ms"
	rootCmd.PersistentFlags().Int(key, 500, "Per-request I/O timeout, in milliseconds")

	key = "multithread"
	rootCmd.PersistentFlags().Bool(key, true, "Serialize every request behind one client-wide mutex "+
		"(required for --config's background reload watcher to call SetServers safely; leave enabled "+
		"unless you know the client will only ever be driven from a single goroutine)")

	key = "config"
	rootCmd.PersistentFlags().String(key, "", "Path to a config file holding the server list, watched for changes")
	_ = viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key))

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(delCmd)
	rootCmd.AddCommand(incrCmd)
	rootCmd.AddCommand(decrCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(serversCmd)
}

func initConfig() {
	viper.SetEnvPrefix("mdbcli")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if path := viper.GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(cliErrOut, "mdbcli: could not read config file %s: %v\n", path, err)
		}
	}
}

func parseServerSpecs(cmd *cobra.Command) ([]memcachedb.ServerSpec, error) {
	raw := viper.GetString("servers")
	if f := cmd.PersistentFlags().Lookup("servers"); f != nil && f.Changed {
		raw = f.Value.String()
	}

	var specs []memcachedb.ServerSpec
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		spec, err := memcachedb.ParseServerSpec(tok)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no servers configured")
	}
	return specs, nil
}

// newClient builds a Client from the command's flags, and if --config
// names a file, wires viper's file watcher (backed by fsnotify) to push
// server-list changes into the running client via SetServers.
func newClient(cmd *cobra.Command) (*memcachedb.Client, error) {
	specs, err := parseServerSpecs(cmd)
	if err != nil {
		return nil, err
	}

	timeoutMs, _ := cmd.Flags().GetInt("timeout-ms")
	namespace, _ := cmd.Flags().GetString("namespace")
	multithread, _ := cmd.Flags().GetBool("multithread")

	opts := []memcachedb.Option{
		memcachedb.WithTimeout(msToDuration(timeoutMs)),
		memcachedb.WithMultithread(multithread),
	}
	if namespace != "" {
		opts = append(opts, memcachedb.WithNamespace(namespace))
	}

	client, err := memcachedb.NewClient(specs, opts...)
	if err != nil {
		return nil, err
	}

	if path := viper.GetString("config"); path != "" {
		viper.OnConfigChange(func(_ fsnotify.Event) {
			newSpecs, err := parseServerSpecs(cmd)
			if err != nil {
				fmt.Fprintf(cliErrOut, "mdbcli: server list reload failed: %v\n", err)
				return
			}
			if err := client.SetServers(newSpecs); err != nil {
				fmt.Fprintf(cliErrOut, "mdbcli: server list reload failed: %v\n", err)
			}
		})
		viper.WatchConfig()
	}

	return client, nil
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

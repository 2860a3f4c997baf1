package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Prints per-server stats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}
		perServer, err := client.Stats()
		if err != nil {
			return err
		}

		addrs := make([]string, 0, len(perServer))
		for addr := range perServer {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)

		for _, addr := range addrs {
			fmt.Printf("%s:\n", addr)
			entries := perServer[addr]
			names := make([]string, 0, len(entries))
			for name := range entries {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  %s = %v\n", name, entries[name])
			}
		}
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Invalidates every key on every reachable server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := client.FlushAll(); err != nil {
			return err
		}
		fmt.Println("flushed")
		return nil
	},
}

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Prints the liveness status of every configured server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		status := client.ServerStatus()
		addrs := make([]string, 0, len(status))
		for addr := range status {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)
		for _, addr := range addrs {
			fmt.Printf("%s: %s\n", addr, status[addr])
		}
		return nil
	},
}

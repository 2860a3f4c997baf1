package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Reads the value for a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		value, found, err := client.Get(args[0], true)
		if err != nil {
			return err
		}
		if !found {
			fmt.Printf("key=%s not found\n", args[0])
			return nil
		}
		fmt.Printf("key=%s value=%s\n", args[0], value.([]byte))
		return nil
	},
}

var rangeCmd = &cobra.Command{
	Use:   "range [start] [end]",
	Short: "Reads a sorted range of keys via rget",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		values, err := client.GetRange(args[0], args[1], limit, true)
		if err != nil {
			return err
		}
		for k, v := range values {
			fmt.Printf("key=%s value=%s\n", k, v.([]byte))
		}
		return nil
	},
}

func init() {
	rangeCmd.Flags().Int("limit", 100, "Maximum number of keys to return")
	rootCmd.AddCommand(rangeCmd)
}

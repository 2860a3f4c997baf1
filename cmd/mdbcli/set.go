package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var setCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Stores a value unconditionally",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}
		expiry, _ := cmd.Flags().GetUint32("expiry")
		if err := client.Set(args[0], []byte(args[1]), expiry, true); err != nil {
			return err
		}
		fmt.Println("stored")
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add [key] [value]",
	Short: "Stores a value only if the key does not already exist",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}
		expiry, _ := cmd.Flags().GetUint32("expiry")
		stored, err := client.Add(args[0], []byte(args[1]), expiry, true)
		if err != nil {
			return err
		}
		if stored {
			fmt.Println("stored")
		} else {
			fmt.Println("not stored: key already exists")
		}
		return nil
	},
}

func init() {
	setCmd.Flags().Uint32("expiry", 0, "Expiration in seconds, 0 for none")
	addCmd.Flags().Uint32("expiry", 0, "Expiration in seconds, 0 for none")
}

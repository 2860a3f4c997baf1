package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var delCmd = &cobra.Command{
	Use:   "del [key]",
	Short: "Deletes a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(cmd)
		if err != nil {
			return err
		}
		found, err := client.Delete(args[0], 0)
		if err != nil {
			return err
		}
		if found {
			fmt.Println("deleted")
		} else {
			fmt.Println("not found")
		}
		return nil
	},
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var incrCmd = &cobra.Command{
	Use:   "incr [key] [n]",
	Short: "Increments a counter by n",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCount(cmd, args, true)
	},
}

var decrCmd = &cobra.Command{
	Use:   "decr [key] [n]",
	Short: "Decrements a counter by n, never below zero",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCount(cmd, args, false)
	},
}

func runCount(cmd *cobra.Command, args []string, incr bool) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}

	n := int64(1)
	if len(args) == 2 {
		if _, err := fmt.Sscanf(args[1], "%d", &n); err != nil {
			return fmt.Errorf("n must be an integer: %w", err)
		}
	}

	var value int64
	var found bool
	if incr {
		value, found, err = client.Incr(args[0], n)
	} else {
		value, found, err = client.Decr(args[0], n)
	}
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("not found")
		return nil
	}
	fmt.Printf("value=%d\n", value)
	return nil
}

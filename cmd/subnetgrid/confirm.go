package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/HerbHall/subnetgrid/internal/mutation"
)

// promptConfirmer asks on out and reads the answer from in. Only "y" or
// "yes" approve. With yes set it approves without asking.
func promptConfirmer(in io.Reader, out io.Writer, yes bool) mutation.ConfirmFunc {
	if yes {
		return mutation.Confirmed
	}
	r := bufio.NewReader(in)
	return func(_ context.Context, action string) bool {
		fmt.Fprintf(out, "About to %s. Continue? [y/N] ", action)
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(out)
			return false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		default:
			return false
		}
	}
}

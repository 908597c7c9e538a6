package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conductorone/tenantsync/pkg/config"
)

var version = "dev"

func main() {
	v, err := config.NewViper()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	cmd := &cobra.Command{
		Use:           "tenantsync",
		Short:         "tenantsync keeps tenant directories in sync with the sink",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	err = config.BindFlags(cmd.PersistentFlags(), v)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	cmd.AddCommand(serveCmd(v))
	cmd.AddCommand(syncCmd(v))
	cmd.AddCommand(refreshCmd(v))
	cmd.AddCommand(deleteCmd(v))
	cmd.AddCommand(tenantsCmd(v))
	cmd.AddCommand(runsCmd(v))

	err = cmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

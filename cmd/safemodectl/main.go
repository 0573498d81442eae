package main

import (
    "log"

    "github.com/spf13/cobra"

    smcli "github.com/amirimatin/go-safemode/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "safemodectl",
        Short:         "safe-mode coordinator CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    smcli.AddAll(root)
    return root
}

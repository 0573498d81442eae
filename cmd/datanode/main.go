package main

import (
    "log"

    smcli "github.com/amirimatin/go-safemode/pkg/cli"
)

func main() {
    if err := smcli.NewDataNodeCmd().Execute(); err != nil {
        log.Fatal(err)
    }
}

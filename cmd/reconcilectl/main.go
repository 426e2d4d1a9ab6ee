package main

import (
	"fmt"
	"os"

	"payment-reconciler/config"
	"payment-reconciler/internal/util"
)

func main() {
	cfg := config.Load()

	env := cfg.Server.Env
	if env == "development" {
		// Keep command output readable; operators pass ENV=production for JSON logs.
		env = "test"
	}
	if err := util.InitLogger(env); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.SyncLogger()

	if err := newRootCmd(cfg).Execute(); err != nil {
		util.SyncLogger()
		os.Exit(1)
	}
}

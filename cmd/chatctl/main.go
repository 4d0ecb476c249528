package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-bazaar/backend/internal/cli"
	"github.com/zhouzirui/z-bazaar/backend/internal/config"
	"github.com/zhouzirui/z-bazaar/backend/internal/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	cmd := cli.NewRootCommand(cfg, logger.New(cfg))
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

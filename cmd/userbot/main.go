package main

import (
	"os"

	"kingtg-userbot/internal/infra/logger"
	"kingtg-userbot/internal/infra/pr"
)

func main() {
	err := rootCmd.Execute()
	pr.Close()
	logger.Close()
	if err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// variables from a .env file never override the environment
	_ = godotenv.Load()

	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.OutOrStderr(), err)
		os.Exit(1)
	}
}

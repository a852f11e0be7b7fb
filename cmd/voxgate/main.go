package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "voxgate",
	Short: "Voxgate — Real-time Audio Transcription Gateway",
	Long:  "Voxgate sits between audio-streaming clients and a speech-to-text provider, relaying audio over websockets with authentication, per-account quotas, and transactional usage billing.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/voxgate.yaml)")
}

func main() {
	// Optional; real deployments set the environment directly.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

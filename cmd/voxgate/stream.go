package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvallet/voxgate/internal/config"
	"github.com/nvallet/voxgate/internal/wsclient"
)

var streamCmd = &cobra.Command{
	Use:   "stream [audio file]",
	Short: "Stream an audio file to a running gateway and print transcriptions",
	Args:  cobra.ExactArgs(1),
	RunE:  runStream,
}

var (
	streamURL   string
	streamToken string
	chunkBytes  int
	chunkWait   time.Duration
)

func init() {
	streamCmd.Flags().StringVar(&streamURL, "url", "ws://localhost:8080/ws", "gateway websocket URL")
	streamCmd.Flags().StringVar(&streamToken, "token", "", "stream token (see the seed command)")
	streamCmd.Flags().IntVar(&chunkBytes, "chunk-bytes", 4096, "audio bytes per frame")
	streamCmd.Flags().DurationVar(&chunkWait, "chunk-wait", 100*time.Millisecond, "pause between frames")
	rootCmd.AddCommand(streamCmd)
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading audio file: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := wsclient.New(wsclient.Config{
		URL:          streamURL,
		Token:        streamToken,
		PingInterval: cfg.Gateway.KeepAlivePeriod,
	})

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for tr := range client.Transcriptions() {
			fmt.Println(tr.Text)
		}
	}()

	if err := sendFrames(ctx, client, data); err != nil {
		cancel()
		<-done
		return err
	}

	// give in-flight transcriptions a moment to arrive
	select {
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
	}
	cancel()
	<-done

	if err := <-runErr; err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func sendFrames(ctx context.Context, client *wsclient.Client, data []byte) error {
	// the connection races Run's first dial; wait until it is up
	for i := 0; !client.Connected(); i++ {
		if i > 100 {
			return fmt.Errorf("gateway connection never became ready")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	for off := 0; off < len(data); off += chunkBytes {
		end := off + chunkBytes
		if end > len(data) {
			end = len(data)
		}
		if err := client.SendAudio(data[off:end]); err != nil {
			return fmt.Errorf("sending audio frame: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(chunkWait):
		}
	}
	return nil
}

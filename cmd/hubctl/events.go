package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jordanhubbard/hubcore/internal/messagebus"
	"github.com/jordanhubbard/hubcore/pkg/messages"
	"github.com/spf13/cobra"
)

func newEventsCommand() *cobra.Command {
	var (
		natsURL   string
		stream    string
		consumer  string
		statsOnly bool
	)
	cmd := &cobra.Command{
		Use:   "events <workspace-id>",
		Short: "Follow coordination events for a workspace from NATS",
		Long: `Subscribes to the hub's JetStream event stream and prints each event as
a JSON line until interrupted. Events are read from NATS directly, not
through hubd.`,
		Example: `  hubctl events ws-1 --nats=nats://localhost:4222
  hubctl events ws-1 --stats`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mb, err := messagebus.NewNatsMessageBus(messagebus.Config{
				URL:            natsURL,
				StreamName:     stream,
				ConsumerPrefix: consumer,
			})
			if err != nil {
				return err
			}
			defer mb.Close()

			if statsOnly {
				data, err := json.Marshal(mb.Stats())
				if err != nil {
					return err
				}
				outputJSON(cmd, data)
				return nil
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			if err := mb.SubscribeEvents(args[0], func(e *messages.EventMessage) {
				if err := enc.Encode(e); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "failed to print event: %v\n", err)
				}
			}); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", getDefaultNATS(), "NATS server URL")
	cmd.Flags().StringVar(&stream, "stream", "HUBCORE", "JetStream stream name")
	cmd.Flags().StringVar(&consumer, "consumer-prefix", "hubctl", "Durable consumer name prefix")
	cmd.Flags().BoolVar(&statsOnly, "stats", false, "Print stream statistics and exit")
	return cmd
}

func getDefaultNATS() string {
	if u := os.Getenv("NATS_URL"); u != "" {
		return u
	}
	return "nats://localhost:4222"
}

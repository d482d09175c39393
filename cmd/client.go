package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bft2f/client"
	"bft2f/cluster"
	"bft2f/message"
	"bft2f/signing"
	"bft2f/transport"
)

var (
	clientID      uint64
	clientCluster string
	clientWait    time.Duration
)

// clientCmd submits one operation and prints the outcome.
var clientCmd = &cobra.Command{
	Use:   "client [operation]",
	Short: "Submit one operation to the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cluster.Load(clientCluster)
		if err != nil {
			return err
		}
		logger, err := zap.NewProduction()
		if err != nil {
			return err
		}
		defer logger.Sync()

		secret := []byte(cfg.Secret)
		ring := buildRing(secret, clientID, cfg, []uint{uint(clientID)})
		driver, err := client.New(
			message.ClientID(clientID),
			cfg,
			ring,
			signing.NewAuthenticator(clientID, secret),
			transport.NewWS(clientID, cfg, logger),
			logger,
		)
		if err != nil {
			return err
		}
		if err := driver.Start(); err != nil {
			return err
		}
		defer driver.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), clientWait)
		defer cancel()
		out := driver.Submit(ctx, []byte(args[0]))
		switch out.Kind {
		case client.KindResult:
			fmt.Printf("result=%q view=%d hcv=%s\n", out.Result, out.View, out.HCV)
		case client.KindForkAlarm:
			fmt.Printf("FORK-* ALARM: %d conflicting chains, result %q is not linearizable\n",
				len(out.ConflictingHCVs), out.Result)
		case client.KindTimeout:
			fmt.Println("timeout: no reply quorum")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(clientCmd)

	clientCmd.Flags().Uint64Var(&clientID, "id", uint64(message.ClientIDFloor), "Client id (must be listed in the cluster file's clients section)")
	clientCmd.Flags().StringVar(&clientCluster, "cluster", "cluster.yaml", "Cluster configuration file")
	clientCmd.Flags().DurationVar(&clientWait, "wait", 10*time.Second, "How long to wait for a reply quorum")
}

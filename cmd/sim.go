package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bft2f/app"
	"bft2f/client"
	"bft2f/cluster"
	"bft2f/message"
	"bft2f/replica"
	"bft2f/signing"
	"bft2f/transport"
)

var simOps int

// simCmd runs an f=1 cluster of four replicas in-process over the bus
// transport and drives a batch of operations through it.
var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run an in-process four-replica cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()

		cfg := cluster.Local(4, 1, "sim-secret")
		secret := []byte(cfg.Secret)
		clientID := message.ClientIDFloor

		bus := transport.NewBus()
		group := cfg.ReplicaIDs()

		engines := make([]*replica.Engine, 0, cfg.N())
		for _, id := range group {
			ring := buildRing(secret, id, cfg, []uint{uint(clientID)})
			engine, err := replica.New(replica.Config{
				ID:        message.ReplicaID(id),
				Cluster:   cfg,
				Logger:    logger,
				Transport: bus.Endpoint(id, group),
				App:       app.NewKVStore(),
				KeyRing:   ring,
				Auth:      signing.NewAuthenticator(id, secret),
			})
			if err != nil {
				return err
			}
			if err := engine.Start(); err != nil {
				return err
			}
			engines = append(engines, engine)
		}

		ring := buildRing(secret, uint64(clientID), cfg, []uint{uint(clientID)})
		driver, err := client.New(
			clientID,
			cfg,
			ring,
			signing.NewAuthenticator(uint64(clientID), secret),
			bus.Endpoint(uint64(clientID), group),
			logger,
		)
		if err != nil {
			return err
		}
		if err := driver.Start(); err != nil {
			return err
		}

		for i := 0; i < simOps; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			op := fmt.Sprintf("set key%d value%d", i, i)
			out := driver.Submit(ctx, []byte(op))
			cancel()
			fmt.Printf("op=%q kind=%s result=%q hcv=%s\n", op, out.Kind, out.Result, out.HCV)
		}

		driver.Stop()
		for _, engine := range engines {
			m := engine.Metrics()
			fmt.Printf("replica metrics: view=%d executed=%d replies=%d\n",
				m.View, m.Executed, m.RepliesSent)
			engine.Stop()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(simCmd)

	simCmd.Flags().IntVar(&simOps, "ops", 5, "Number of operations to drive through the cluster")
}

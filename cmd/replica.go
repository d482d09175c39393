package cmd

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bft2f/app"
	"bft2f/cluster"
	"bft2f/message"
	"bft2f/replica"
	"bft2f/signing"
	"bft2f/storage"
	"bft2f/transport"
)

var (
	replicaID      uint64
	clusterFile    string
	stateDir       string
	replicaClients []uint
)

// replicaCmd runs one replica over the WebSocket transport.
var replicaCmd = &cobra.Command{
	Use:   "replica",
	Short: "Run one BFT2f replica",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cluster.Load(clusterFile)
		if err != nil {
			return err
		}
		logger, err := zap.NewProduction()
		if err != nil {
			return err
		}
		defer logger.Sync()

		secret := []byte(cfg.Secret)
		ring := buildRing(secret, replicaID, cfg, replicaClients)

		engineCfg := replica.Config{
			ID:        message.ReplicaID(replicaID),
			Cluster:   cfg,
			Logger:    logger,
			Transport: transport.NewWS(replicaID, cfg, logger),
			App:       app.NewKVStore(),
			KeyRing:   ring,
			Auth:      signing.NewAuthenticator(replicaID, secret),
		}
		if stateDir != "" {
			engineCfg.Store = storage.New(afero.NewOsFs(), stateDir)
		}
		engine, err := replica.New(engineCfg)
		if err != nil {
			return err
		}
		if err := engine.Start(); err != nil {
			return err
		}

		sigC := make(chan os.Signal, 1)
		signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
		<-sigC

		m := engine.Metrics()
		fmt.Printf("executed=%d replies=%d view=%d\n", m.Executed, m.RepliesSent, m.View)
		return engine.Stop()
	},
}

func buildRing(secret []byte, self uint64, cfg *cluster.Config, clients []uint) *signing.KeyRing {
	publics := make(map[uint64]ed25519.PublicKey)
	for _, id := range cfg.ReplicaIDs() {
		publics[id] = signing.DeriveKeyPair(secret, id).Public
	}
	for _, n := range cfg.Clients {
		publics[n.ID] = signing.DeriveKeyPair(secret, n.ID).Public
	}
	for _, id := range clients {
		publics[uint64(id)] = signing.DeriveKeyPair(secret, uint64(id)).Public
	}
	return signing.NewKeyRing(self, signing.DeriveKeyPair(secret, self).Private, publics)
}

func init() {
	rootCmd.AddCommand(replicaCmd)

	replicaCmd.Flags().Uint64Var(&replicaID, "id", 0, "Replica id from the cluster file")
	replicaCmd.Flags().StringVar(&clusterFile, "cluster", "cluster.yaml", "Cluster configuration file")
	replicaCmd.Flags().StringVar(&stateDir, "state-dir", "", "Directory for persisted replica state (empty disables persistence)")
	replicaCmd.Flags().UintSliceVar(&replicaClients, "client-ids", nil, "Additional client ids to accept requests from")
}

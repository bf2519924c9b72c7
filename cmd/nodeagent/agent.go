package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/virtengine/marketd/pkg/client"
	"github.com/virtengine/marketd/pkg/log"
	"github.com/virtengine/marketd/pkg/signing"
	"github.com/virtengine/marketd/pkg/types"
)

var agentFlags struct {
	server    string
	nodeID    string
	clusterID string
	provider  string
	keyFile   string
	hostname  string

	cpuCores  int32
	memoryGB  int32
	gpus      int32
	gpuType   string
	storageGB int32

	region     string
	datacenter string
	zone       string
	rack       string
}

var agentCmd = &cobra.Command{
	Use:   "start",
	Short: "Register and start heartbeating",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

func init() {
	f := agentCmd.Flags()
	f.StringVar(&agentFlags.server, "server", "http://localhost:8081", "marketd endpoint")
	f.StringVar(&agentFlags.nodeID, "node-id", "", "unique node id")
	f.StringVar(&agentFlags.clusterID, "cluster-id", "", "cluster this node belongs to")
	f.StringVar(&agentFlags.provider, "provider", "", "provider address owning the cluster")
	f.StringVar(&agentFlags.keyFile, "key-file", "/var/lib/nodeagent/node.key", "ed25519 seed file (created if missing)")
	f.StringVar(&agentFlags.hostname, "hostname", "", "reported hostname (defaults to os hostname)")
	f.Int32Var(&agentFlags.cpuCores, "cpu-cores", 8, "cpu cores to advertise")
	f.Int32Var(&agentFlags.memoryGB, "memory-gb", 32, "memory to advertise")
	f.Int32Var(&agentFlags.gpus, "gpus", 0, "gpus to advertise")
	f.StringVar(&agentFlags.gpuType, "gpu-type", "", "gpu model")
	f.Int32Var(&agentFlags.storageGB, "storage-gb", 100, "storage to advertise")
	f.StringVar(&agentFlags.region, "region", "", "locality region")
	f.StringVar(&agentFlags.datacenter, "datacenter", "", "locality datacenter")
	f.StringVar(&agentFlags.zone, "zone", "", "locality zone")
	f.StringVar(&agentFlags.rack, "rack", "", "locality rack")
	_ = agentCmd.MarkFlagRequired("node-id")
	_ = agentCmd.MarkFlagRequired("cluster-id")
	_ = agentCmd.MarkFlagRequired("provider")
}

const defaultHeartbeatInterval = 30 * time.Second

func runAgent() error {
	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithNodeID(agentFlags.nodeID)

	keypair, err := signing.LoadKeypair(agentFlags.keyFile)
	if err != nil {
		return err
	}
	if agentFlags.hostname == "" {
		agentFlags.hostname, _ = os.Hostname()
	}

	c := client.New(agentFlags.server, keypair)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	capacity := types.NodeCapacity{
		CPUCoresTotal:      agentFlags.cpuCores,
		CPUCoresAvailable:  agentFlags.cpuCores,
		MemoryGBTotal:      agentFlags.memoryGB,
		MemoryGBAvailable:  agentFlags.memoryGB,
		GPUsTotal:          agentFlags.gpus,
		GPUsAvailable:      agentFlags.gpus,
		GPUType:            agentFlags.gpuType,
		StorageGBTotal:     agentFlags.storageGB,
		StorageGBAvailable: agentFlags.storageGB,
	}

	if _, err := c.RegisterNode(ctx, client.RegisterNodeRequest{
		NodeID:          agentFlags.nodeID,
		ClusterID:       agentFlags.clusterID,
		ProviderAddress: agentFlags.provider,
		Hostname:        agentFlags.hostname,
		Capacity:        capacity,
		Locality: types.NodeLocality{
			Region:     agentFlags.region,
			Datacenter: agentFlags.datacenter,
			Zone:       agentFlags.zone,
			Rack:       agentFlags.rack,
		},
	}); err != nil {
		return err
	}
	logger.Info().Str("server", agentFlags.server).Msg("node registered")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var sequence atomic.Uint64
	var draining atomic.Bool
	interval := defaultHeartbeatInterval
	timer := time.NewTimer(0) // first beat immediately
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			hb := &types.Heartbeat{
				NodeID:         agentFlags.nodeID,
				ClusterID:      agentFlags.clusterID,
				SequenceNumber: sequence.Add(1),
				Timestamp:      time.Now().UTC(),
				Capacity:       capacity,
			}
			ack, err := c.SubmitHeartbeat(ctx, hb)
			if err != nil {
				logger.Warn().Err(err).Uint64("sequence", hb.SequenceNumber).Msg("heartbeat rejected")
				// The sequence only moves forward; the daemon tolerates gaps.
				timer.Reset(interval)
				continue
			}

			for _, cmd := range ack.Commands {
				switch cmd.Type {
				case "drain":
					draining.Store(true)
					logger.Info().Str("command_id", cmd.CommandID).Msg("entering drain mode")
				case "ping":
					logger.Info().Str("command_id", cmd.CommandID).Msg("pong")
				case "stop_job":
					logger.Info().
						Str("command_id", cmd.CommandID).
						Str("job_id", cmd.Parameters["job_id"]).
						Msg("stopping job on server request")
				default:
					logger.Warn().Str("type", cmd.Type).Msg("ignoring unknown command")
				}
			}
			if ack.NextHeartbeatSeconds > 0 {
				interval = time.Duration(ack.NextHeartbeatSeconds) * time.Second
			}
			timer.Reset(interval)

		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("agent stopping")
			return nil
		}
	}
}

// Package source reads live fleet state from the operational document store.
// It is a thin read-only client; all derivation from the snapshot is pure and
// lives in snapshot.go.
package source

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// minDownloadMbps is the bandwidth floor for residential nodes; datacenter
// nodes are eligible regardless.
const minDownloadMbps = 10

// GPU is one card as reported by the node agent. VRAM is in GB.
type GPU struct {
	CardName string `bson:"card_name"`
	VRAM     int64  `bson:"vram"`
}

// NodeIP carries the connectivity and location fields of a node report.
type NodeIP struct {
	City        string  `bson:"city"`
	CountryCode string  `bson:"country_code"`
	NDMDownload float64 `bson:"ndm_download"`
	NDMUpload   float64 `bson:"ndm_upload"`
	IPAddress   string  `bson:"ip_address"`
}

// Node is the projection of a fleet node used for snapshots. Disk and memory
// are bytes; cores are whole cores.
type Node struct {
	NodeID        string `bson:"node_id"`
	CPUCores      int64  `bson:"cpu_cores"`
	WSLMemory     int64  `bson:"wsl_memory"`
	AvailableDisk int64  `bson:"available_disk"`
	GPUs          []GPU  `bson:"gpus"`
	IP            NodeIP `bson:"ip"`
	IsRunning     bool   `bson:"is_running"`
}

// WorkloadInstance is one replica of a workload.
type WorkloadInstance struct {
	Status     string `bson:"status"`
	GPUClassID string `bson:"gpu_class_id"`
}

// Workload is the projection used for running-resource totals. MinDisk is
// bytes, MinCPU millicores, MinRAM MB.
type Workload struct {
	ReplicaCount int64              `bson:"replica_count"`
	MinDisk      int64              `bson:"min_disk"`
	MinCPU       int64              `bson:"min_cpu"`
	MinRAM       int64              `bson:"min_ram"`
	Instances    []WorkloadInstance `bson:"instances"`
}

type Client struct {
	db     *mongo.Database
	client *mongo.Client
	log    *zap.Logger
}

// Dial connects to the document store and verifies it is reachable.
func Dial(ctx context.Context, url, dbName string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return &Client{db: client.Database(dbName), client: client, log: log}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// EligibleNodes returns nodes counted in fleet snapshots: recently updated,
// at or above the minimum agent version, container-ready, x64, and either on
// adequate bandwidth or in a datacenter.
func (c *Client) EligibleNodes(ctx context.Context, minAgentVersion int64, updatedSince time.Time) ([]Node, error) {
	filter := bson.M{
		"updated_at.DateTime": bson.M{"$gt": updatedSince},
		"sel_ver_num":         bson.M{"$gte": minAgentVersion},
		"container_ready":     true,
		"os_arch":             "x64",
		"$or": bson.A{
			bson.M{"ip.ndm_download": bson.M{"$gt": minDownloadMbps}},
			bson.M{"is_datacenter": true},
		},
	}
	projection := bson.M{
		"node_id": 1, "cpu_cores": 1, "wsl_memory": 1, "available_disk": 1,
		"gpus.card_name": 1, "gpus.vram": 1,
		"ip.country_code": 1, "ip.city": 1, "ip.ndm_download": 1,
		"ip.ndm_upload": 1, "ip.ip_address": 1,
		"is_running": 1,
	}

	cur, err := c.db.Collection("nodes").Find(ctx, filter, options.Find().SetProjection(projection))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var nodes []Node
	if err := cur.All(ctx, &nodes); err != nil {
		return nil, err
	}
	c.log.Debug("fetched eligible nodes", zap.Int("count", len(nodes)))
	return nodes, nil
}

// Workloads returns every workload with the fields needed for running totals.
func (c *Client) Workloads(ctx context.Context) ([]Workload, error) {
	projection := bson.M{
		"replica_count": 1, "min_disk": 1, "min_cpu": 1, "min_ram": 1,
		"instances.status": 1, "instances.gpu_class_id": 1,
	}
	cur, err := c.db.Collection("workloads").Find(ctx, bson.M{}, options.Find().SetProjection(projection))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var workloads []Workload
	if err := cur.All(ctx, &workloads); err != nil {
		return nil, err
	}
	c.log.Debug("fetched workloads", zap.Int("count", len(workloads)))
	return workloads, nil
}

package producer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Shard is one replica set whose oplog is tailed.
type Shard struct {
	ID         string
	ReplicaSet string
	Hosts      []string
}

// ClientOptions connects to the shard with the credentials and settings of uri.
func (s Shard) ClientOptions(uri string) *options.ClientOptions {
	opts := options.Client().ApplyURI(uri).
		SetHosts(s.Hosts).
		SetReadPreference(readpref.PrimaryPreferred()).
		SetDirect(false)
	if s.ReplicaSet != "" {
		opts.SetReplicaSet(s.ReplicaSet)
	}
	return opts
}

// ParseShardHost parses the host field of config.shards: "rs0/h1:27017,h2:27017",
// or a plain host list for shards that are not replica sets.
func ParseShardHost(id, host string) (Shard, error) {
	rs, hosts, found := strings.Cut(host, "/")
	if !found {
		hosts, rs = rs, ""
	}
	var list []string
	for _, h := range strings.Split(hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			list = append(list, h)
		}
	}
	if len(list) == 0 {
		return Shard{}, fmt.Errorf("shard %s has no hosts in %q", id, host)
	}
	return Shard{ID: id, ReplicaSet: rs, Hosts: list}, nil
}

// DiscoverShards lists the shards of a cluster through mongos, or the single replica set
// client is connected to.
func DiscoverShards(ctx context.Context, client *mongo.Client) ([]Shard, error) {
	sharded, err := isMongos(ctx, client)
	if err != nil {
		return nil, err
	}
	if sharded {
		return listShards(ctx, client)
	}
	rs, err := replicaSet(ctx, client)
	if err != nil {
		return nil, err
	}
	return []Shard{rs}, nil
}

func isMongos(ctx context.Context, client *mongo.Client) (bool, error) {
	var res struct {
		IsDBGrid int `bson:"isdbgrid"`
	}
	err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "isdbgrid", Value: 1}}).Decode(&res)
	if err != nil {
		var ce mongo.CommandError
		if errors.As(err, &ce) {
			// Only mongos knows the command.
			return false, nil
		}
		return false, fmt.Errorf("topology probe: %w", err)
	}
	return res.IsDBGrid == 1, nil
}

func listShards(ctx context.Context, client *mongo.Client) ([]Shard, error) {
	cur, err := client.Database("config").Collection("shards").Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	var docs []struct {
		ID   string `bson:"_id"`
		Host string `bson:"host"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	shards := make([]Shard, 0, len(docs))
	for _, d := range docs {
		s, err := ParseShardHost(d.ID, d.Host)
		if err != nil {
			return nil, err
		}
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].ID < shards[j].ID })
	return shards, nil
}

func replicaSet(ctx context.Context, client *mongo.Client) (Shard, error) {
	var res struct {
		Set     string `bson:"set"`
		Members []struct {
			Name string `bson:"name"`
		} `bson:"members"`
	}
	err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).Decode(&res)
	if err != nil {
		return Shard{}, fmt.Errorf("replica set status: %w", err)
	}
	s := Shard{ID: res.Set, ReplicaSet: res.Set}
	for _, m := range res.Members {
		s.Hosts = append(s.Hosts, m.Name)
	}
	if len(s.Hosts) == 0 {
		return Shard{}, fmt.Errorf("replica set %s reports no members", res.Set)
	}
	return s, nil
}

package session

import (
	"flag"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"

	"github.com/grafana/casskit/pkg/pool"
	"github.com/grafana/casskit/pkg/proto"
)

// Config for a Session.
type Config struct {
	Addresses flagext.StringSliceCSV `yaml:"addresses"`
	Port      int                    `yaml:"port"`
	Keyspace  string                 `yaml:"keyspace"`

	LocalDC           string                 `yaml:"local_dc"`
	ExcludedDCs       flagext.StringSliceCSV `yaml:"excluded_dcs"`
	ReplicationFactor int                    `yaml:"replication_factor"`

	Consistency  string `yaml:"consistency"`
	ProtoVersion int    `yaml:"protocol_version"`

	Pool pool.Config `yaml:"pool"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.Var(&cfg.Addresses, "session.addresses", "Comma-separated contact point addresses.")
	f.IntVar(&cfg.Port, "session.port", 9042, "Native protocol port.")
	f.StringVar(&cfg.Keyspace, "session.keyspace", "", "Keyspace to use.")
	f.StringVar(&cfg.LocalDC, "session.local-dc", "", "Datacenter to prefer when routing requests.")
	f.Var(&cfg.ExcludedDCs, "session.excluded-dcs", "Comma-separated datacenters that never receive requests.")
	f.IntVar(&cfg.ReplicationFactor, "session.replication-factor", 3, "Replication factor used for token-aware routing.")
	f.StringVar(&cfg.Consistency, "session.consistency", "LOCAL_QUORUM", "Default consistency level.")
	f.IntVar(&cfg.ProtoVersion, "session.protocol-version", 4, "Native protocol version (3, 4 or 5).")
	cfg.Pool.RegisterFlags(f)
}

func (cfg *Config) Validate() error {
	if len(cfg.Addresses) == 0 {
		return errors.New("at least one contact point address is required")
	}
	if _, err := proto.ParseConsistency(cfg.Consistency); err != nil {
		return errors.Wrap(err, "invalid consistency")
	}
	cfg.Pool.Keyspace = cfg.Keyspace
	cfg.Pool.ProtoVersion = proto.ProtoVersion(cfg.ProtoVersion)
	return cfg.Pool.Validate()
}

func (cfg *Config) consistency() proto.Consistency {
	c, err := proto.ParseConsistency(cfg.Consistency)
	if err != nil {
		return proto.LocalQuorum
	}
	return c
}

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/zif/peerd"
	"github.com/zif/peerd/dht"
	"github.com/zif/peerd/node"
)

func SetupConfig() error {
	viper.SetConfigName("peerd")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.peerd")
	viper.AddConfigPath("/etc/peerd")

	viper.SetEnvPrefix("peerd")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("bind", "/ip4/0.0.0.0/tcp/0")
	viper.SetDefault("topic", "peerd-chat")
	viper.SetDefault("name", "")
	viper.SetDefault("tick", "1s")

	viper.SetDefault("identity", map[string]interface{}{
		"path": "",
		"seed": 0,
	})

	viper.SetDefault("query", map[string]interface{}{
		"timeout":  "30s",
		"deadline": "5m",
	})

	viper.SetDefault("drain", map[string]interface{}{"grace": "5s"})

	viper.SetDefault("dht", map[string]interface{}{
		"quorum":    1,
		"recordTTL": dht.DefaultRecordTTL.String(),
		"alpha":     3,
	})

	viper.SetDefault("net", map[string]interface{}{
		"maxPeers":  100,
		"heartbeat": peerd.HeartbeatFrequency.String(),
	})

	viper.SetDefault("gossip", map[string]interface{}{"hops": peerd.GossipHops})
	viper.SetDefault("peers", map[string]interface{}{"expiry": "10m"})
	viper.SetDefault("socks", map[string]interface{}{"enabled": false, "port": 9050})
	viper.SetDefault("log", map[string]interface{}{"level": "info"})

	err := viper.ReadInConfig()

	var notFound viper.ConfigFileNotFoundError

	if errors.As(err, &notFound) {
		// defaults and environment are enough
		return setLogLevel()
	}

	if err != nil {
		return fmt.Errorf("Fatal error loading config file: %w", err)
	}

	viper.WatchConfig()

	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info("Config file changed, reloading: ", e.Name)

		if err := setLogLevel(); err != nil {
			log.Error(err.Error())
		}
	})

	return setLogLevel()
}

func setLogLevel() error {
	level, err := log.ParseLevel(viper.GetString("log.level"))

	if err != nil {
		return err
	}

	log.SetLevel(level)

	return nil
}

func LocalPeerOptions() peerd.Options {
	o := peerd.DefaultOptions()

	o.Bind = viper.GetString("bind")
	o.Name = viper.GetString("name")
	o.Topic = viper.GetString("topic")
	o.QueryDeadline = positive(viper.GetDuration("query.deadline"), o.QueryDeadline)
	o.Quorum = viper.GetInt("dht.quorum")
	o.Alpha = viper.GetInt("dht.alpha")
	o.RecordTTL = viper.GetDuration("dht.recordTTL")
	o.MaxPeers = viper.GetInt("net.maxPeers")
	o.Heartbeat = positive(viper.GetDuration("net.heartbeat"), o.Heartbeat)
	o.GossipHops = viper.GetInt("gossip.hops")
	o.Socks = viper.GetBool("socks.enabled")
	o.SocksPort = viper.GetInt("socks.port")

	return o
}

func LoopConfig() node.Config {
	c := node.DefaultConfig()

	c.QueryTimeout = positive(viper.GetDuration("query.timeout"), c.QueryTimeout)
	c.Tick = positive(viper.GetDuration("tick"), c.Tick)
	c.DrainGrace = viper.GetDuration("drain.grace")
	c.PeerExpiry = positive(viper.GetDuration("peers.expiry"), c.PeerExpiry)

	return c
}

// Zero or negative durations fall back to the default.
func positive(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}

	return d
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/crypto/ed25519"

	"github.com/zif/peerd"
	"github.com/zif/peerd/node"
)

// these two are inserted at build time
var (
	Version   = "N/A"
	BuildTime = "N/A"
)

func SetupKey() (ed25519.PrivateKey, error) {
	seed := viper.GetInt("identity.seed")

	if seed < 0 || seed > 255 {
		return nil, errors.New("identity.seed must be between 0 and 255")
	}

	if seed > 0 {
		return peerd.KeyFromSeed(byte(seed)), nil
	}

	if path := viper.GetString("identity.path"); path != "" {
		return peerd.LoadOrCreateKey(path)
	}

	return peerd.GenerateKey()
}

func main() {
	os.Exit(run())
}

func run() int {
	formatter := new(log.TextFormatter)
	formatter.FullTimestamp = true
	formatter.TimestampFormat = "15:04:05"
	log.SetFormatter(formatter)
	log.SetOutput(os.Stderr)

	if err := SetupConfig(); err != nil {
		log.Error(err.Error())
		return 1
	}

	log.WithFields(log.Fields{
		"version": Version,
		"built":   BuildTime,
	}).Info("Starting peerd")

	key, err := SetupKey()

	if err != nil {
		log.Error(err.Error())
		return 1
	}

	lp, err := peerd.NewLocalPeer(key, LocalPeerOptions())

	if err != nil {
		log.Error(err.Error())
		return 1
	}

	defer lp.Close()

	addrs, err := lp.Listen()

	if err != nil {
		log.Error(err.Error())
		return 1
	}

	log.Info("My address: ", lp.ID().String())

	for _, a := range addrs {
		log.Info("Listening on ", a.String())
	}

	for _, arg := range os.Args[1:] {
		go func(addr string) {
			if err := lp.Dial(addr); err != nil {
				log.WithField("address", addr).Error("Dial failed: ", err.Error())
			}
		}(arg)
	}

	loop := node.NewLoop(lp, os.Stdin, os.Stdout, LoopConfig())

	// Listen for SIGINT. The first drains, a second gives up on pending queries.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigchan := make(chan os.Signal, 2)
	signal.Notify(sigchan, os.Interrupt)
	defer signal.Stop(sigchan)

	finished := make(chan struct{})
	defer close(finished)

	go func() {
		select {
		case <-sigchan:
			cancel()
		case <-finished:
			return
		}

		select {
		case <-sigchan:
			loop.Abort()
		case <-finished:
		}
	}()

	if err := loop.Run(ctx); err != nil {
		log.Error(err.Error())
		return 1
	}

	return 0
}

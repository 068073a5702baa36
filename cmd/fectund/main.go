package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"fectun/config"
	"fectun/mux"
	"fectun/relconn"
	"fectun/session"
	"fectun/transport"
	"fectun/tunnel"
	"fectun/utils"
)

func main() {
	conf := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *conf != "" {
		if err := config.Reload(*conf); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	defer utils.Logger.Sync()
	utils.Logger.Info("fectun starting")

	wg := &sync.WaitGroup{}
	for _, link := range config.GlobalCfg.Links {
		wg.Add(1)
		go runLink(link, wg)
	}
	wg.Wait()
	utils.Logger.Info("fectun shut down")
}

func runLink(link *config.Link, wg *sync.WaitGroup) {
	defer wg.Done()
	log := utils.Logger.With(zap.String("link", link.Name))

	ctx := context.Background()
	var sub *transport.Substrate
	var err error
	switch link.Role {
	case "client":
		sub, err = transport.Dial(ctx, link.Peer, link.InsecureSkipVerify, log)
	case "server":
		sub, err = transport.Listen(ctx, link.Peer, link.InsecureSkipVerify, log)
	default:
		log.Error("unknown role", zap.String("role", link.Role))
		return
	}
	if err != nil {
		log.Error("failed to establish tunnel substrate", zap.Error(err))
		return
	}
	defer sub.Close()

	sess := session.New(session.Config{
		Latency:    link.Latency(),
		TargetLoss: link.TargetLoss,
		SendFrame:  sub.SendCh,
		RecvFrame:  sub.RecvCh,
	}, log)
	defer sess.Close()

	connCfg := relconn.DefaultConfig()
	connCfg.MTU = link.MTU
	connCfg.IdleTimeout = link.IdleTimeout()
	connCfg.MaxRetransPerSeqno = link.MaxRetransPerSeqno

	m := mux.New(sess, connCfg, log)
	defer m.Close()

	innerWg := &sync.WaitGroup{}
	innerWg.Add(1)
	switch link.Role {
	case "client":
		go tunnel.ServeClient(link, m, innerWg, log)
	case "server":
		go tunnel.ServeServer(link, m, innerWg, log)
	}
	innerWg.Wait()
}

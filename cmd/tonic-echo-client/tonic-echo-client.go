package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/veecore/tonic/codec"
	"github.com/veecore/tonic/libtonic/client"
)

var version string

func main() {
	var remoteHost string
	var remotePort string
	var config string
	var method string
	var message string
	var count int
	var timeout int

	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.StringVar(&remoteHost, "s", "", "remoteHost: IP or hostname of the echo server")
	flag.StringVar(&remotePort, "p", "50051", "remotePort: port the echo server listens on")
	flag.StringVar(&config, "c", "", "config: path to a channel configuration file")
	flag.StringVar(&method, "method", "/echo.Echo/UnaryEcho", "method: full method name to invoke")
	flag.StringVar(&message, "m", "hello", "message: payload to send")
	flag.IntVar(&count, "n", 1, "count: number of calls to make")
	flag.IntVar(&timeout, "t", 10, "timeout: per-call deadline in seconds, 0 for none")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	flag.Parse()

	if *askVersion {
		fmt.Printf("tonic-echo-client %s\n", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	rawConfig := &client.Config{}
	if config != "" {
		rawConfig, err = client.ParseConfig(config)
		if err != nil {
			log.Fatal(err)
		}
	}
	// commandline argument takes precedence over json
	if remoteHost != "" {
		rawConfig.RemoteHost = remoteHost
	}
	if rawConfig.RemotePort == "" {
		rawConfig.RemotePort = remotePort
	}
	if rawConfig.Codec == "" {
		// the standalone echo pair has no compiled schemas
		rawConfig.Codec = codec.Raw
	}

	ch, err := client.NewChannel(*rawConfig)
	if err != nil {
		log.Fatal(err)
	}
	defer ch.Close()

	for i := 0; i < count; i++ {
		ctx := context.Background()
		cancel := context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		}
		var reply []byte
		err = ch.Invoke(ctx, method, []byte(message), &reply)
		cancel()
		if err != nil {
			log.Fatalf("call %v failed: %v", i+1, err)
		}
		log.Infof("call %v: %s", i+1, reply)
	}
}

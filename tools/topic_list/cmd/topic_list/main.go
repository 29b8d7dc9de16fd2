package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"topicmaster/broker/internal/config"
	"topicmaster/broker/internal/discovery"
	"topicmaster/broker/internal/logging"
	"topicmaster/broker/internal/transport"
	topiclist "topicmaster/broker/tools/topic_list"
)

func main() {
	defaultAddr, err := config.MasterAddress()
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
	addr := flag.String("master", defaultAddr, "Master address host:port")
	topic := flag.String("i", "", "Print information about a topic instead of listing topics")
	timeout := flag.Duration("timeout", 5*time.Second, "Time allowed for connecting and querying")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	//1.- Keep the transport quiet; only the listing belongs on stdout.
	logger := logging.NewWriterLogger(os.Stderr, logging.ErrorLevel)
	client, err := discovery.Dial(ctx, *addr, transport.WithLogger(logger))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: connect to master:", err)
		os.Exit(1)
	}
	defer client.Close()

	if *topic != "" {
		info, err := client.TopicInfo(ctx, *topic)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(2)
		}
		if err := topiclist.WriteInfo(os.Stdout, info); err != nil {
			os.Exit(3)
		}
		return
	}

	topics, err := topiclist.Topics(ctx, client)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if err := topiclist.WriteTopics(os.Stdout, topics); err != nil {
		os.Exit(3)
	}
}

// Package main is the efrpcd entrypoint: a demo server hosting the Calc
// service over every configured transport, plus a small call client.
package main

import (
	"fmt"
	"log"
	"os"
)

const usage = `Usage: efrpcd [command]
       efrpcd serve                        Serve Calc over TCP and any configured NATS, AMQP, MQTT or gRPC endpoint.
       efrpcd call <method> [args...]      Call Calc.<method> with JSON arguments and print the result.

Environment: EFRPC_LISTEN_ADDR (default :9000), EFRPC_HTTP_ADDR (default :9090),
EFRPC_DISCOVERY_ENDPOINTS, EFRPC_NATS_URL, EFRPC_AMQP_URL, EFRPC_MQTT_URL,
EFRPC_DATABASE_URL,
EFRPC_TRANSPORT_PROTOCOL, EFRPC_PROPERTIES (grpc.listen, grpc.target, advertise.addr).
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "call":
		if len(args) < 2 {
			log.Fatalf("efrpcd call: require a method name")
		}
		if err := runCall(args[1], args[2:]); err != nil {
			log.Fatalf("efrpcd call: %v", err)
		}
	case "help", "-h", "--help":
		fmt.Print(usage)
	case "serve", "":
		if err := runServe(); err != nil {
			log.Fatalf("efrpcd: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}
}

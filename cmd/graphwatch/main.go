package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/hanpama/graphwatch/internal/client"
	"github.com/hanpama/graphwatch/internal/eventbus"
	"github.com/hanpama/graphwatch/internal/otel"
	"github.com/hanpama/graphwatch/internal/store"
	"github.com/hanpama/graphwatch/internal/transport"
)

const rootUsage = `graphwatch — reactive GraphQL query client

USAGE:
  graphwatch <command> [flags]

COMMANDS:
  watch            Observe a query against an endpoint, streaming results
  query            Run a one-shot query and print the result
  help             Show help for any command
`

const watchUsage = `watch FLAGS:
  -endpoint <url>            GraphQL HTTP endpoint (required)
  -query <source>            GraphQL query source (required)
  -operation <name>          Operation name for multi-operation documents
  -variables <json>          Variables as a JSON object
  -fetch-policy <policy>     cache-first | cache-and-network | network-only |
                             no-cache | cache-only | standby (default: cache-and-network)
  -poll <duration>           Poll interval, e.g. 10s. 0 disables polling
  -header <Name: value>      Extra HTTP header. Repeatable
  -otel.endpoint <addr>      OTLP collector endpoint
  -otel.service <name>       OpenTelemetry service name (default: graphwatch)
`

const queryUsage = `query FLAGS:
  -endpoint <url>            GraphQL HTTP endpoint (required)
  -query <source>            GraphQL query source (required)
  -operation <name>          Operation name for multi-operation documents
  -variables <json>          Variables as a JSON object
  -pretty                    Pretty-print the JSON result
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("graphwatch", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "watch":
		return cmdWatch(cmdArgs)
	case "query":
		return cmdQuery(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "watch":
		fmt.Print(watchUsage)
	case "query":
		fmt.Print(queryUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type headerFlags []string

func (h *headerFlags) String() string { return fmt.Sprint(*h) }
func (h *headerFlags) Set(v string) error {
	*h = append(*h, v)
	return nil
}

func cmdWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	endpoint := fs.String("endpoint", "", "")
	querySrc := fs.String("query", "", "")
	operation := fs.String("operation", "", "")
	variablesJSON := fs.String("variables", "", "")
	fetchPolicy := fs.String("fetch-policy", string(client.FetchPolicyCacheAndNetwork), "")
	poll := fs.Duration("poll", 0, "")
	otelEndpoint := fs.String("otel.endpoint", "", "")
	otelService := fs.String("otel.service", "graphwatch", "")
	var headers headerFlags
	fs.Var(&headers, "header", "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, watchUsage)
		return err
	}
	if *endpoint == "" || *querySrc == "" {
		fmt.Fprint(os.Stderr, watchUsage)
		return fmt.Errorf("-endpoint and -query are required")
	}
	variables, err := parseVariables(*variablesJSON)
	if err != nil {
		return err
	}

	eventbus.Use(eventbus.New())
	shutdown, err := otel.Setup(*otelEndpoint, *otelService)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	c := client.New(store.NewMemory(), newHTTPTransport(*endpoint, headers))
	defer c.Stop()

	oq, err := c.WatchQuery(client.WatchOptions{
		Query:         *querySrc,
		OperationName: *operation,
		Variables:     variables,
		FetchPolicy:   client.FetchPolicy(*fetchPolicy),
		PollInterval:  *poll,
	})
	if err != nil {
		return err
	}

	sub := oq.Subscribe(client.Observer{
		Next: func(res *client.Result) {
			printResult(res, false)
		},
		Error: func(err error) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		},
	})
	defer sub.Unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-ctx.Done()
	return nil
}

func cmdQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	endpoint := fs.String("endpoint", "", "")
	querySrc := fs.String("query", "", "")
	operation := fs.String("operation", "", "")
	variablesJSON := fs.String("variables", "", "")
	pretty := fs.Bool("pretty", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, queryUsage)
		return err
	}
	if *endpoint == "" || *querySrc == "" {
		fmt.Fprint(os.Stderr, queryUsage)
		return fmt.Errorf("-endpoint and -query are required")
	}
	variables, err := parseVariables(*variablesJSON)
	if err != nil {
		return err
	}

	c := client.New(store.NewMemory(), newHTTPTransport(*endpoint, nil))
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := c.Query(ctx, client.QueryOptions{
		Query:         *querySrc,
		OperationName: *operation,
		Variables:     variables,
		FetchPolicy:   client.FetchPolicyNetworkOnly,
	})
	if err != nil {
		return err
	}
	printResult(res, *pretty)
	return nil
}

func newHTTPTransport(endpoint string, headers []string) *transport.HTTP {
	opts := make([]transport.HTTPOption, 0, len(headers))
	for _, h := range headers {
		name, value := splitHeader(h)
		if name != "" {
			opts = append(opts, transport.WithHeader(name, value))
		}
	}
	return transport.NewHTTP(endpoint, opts...)
}

func splitHeader(h string) (string, string) {
	for i := 0; i < len(h); i++ {
		if h[i] == ':' {
			name := h[:i]
			value := h[i+1:]
			for len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
			return name, value
		}
	}
	return "", ""
}

func parseVariables(src string) (map[string]any, error) {
	if src == "" {
		return nil, nil
	}
	var vars map[string]any
	if err := json.Unmarshal([]byte(src), &vars); err != nil {
		return nil, fmt.Errorf("invalid -variables JSON: %w", err)
	}
	return vars, nil
}

func printResult(res *client.Result, pretty bool) {
	out := map[string]any{
		"data":          res.Data,
		"networkStatus": res.NetworkStatus.String(),
	}
	if len(res.Errors) > 0 {
		out["errors"] = res.Errors
	}
	if res.Partial {
		out["partial"] = true
	}
	enc := json.NewEncoder(os.Stdout)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(out)
}
